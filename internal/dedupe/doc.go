// Package dedupe provides a time-bounded seen-cache for chat message IDs,
// preventing a reconnecting transport's redelivered history from being
// forwarded to the CRM twice.
package dedupe
