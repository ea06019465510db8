// Package relay forwards messages between chat transport sessions and the CRM.
//
// # Inbound (chat -> CRM)
//
// Each inbound chat message is deduplicated, surfaced to the owning client
// connection, and forwarded to the CRM with exactly one post call. There is
// no retry and no queue: a failed post is reported to the owning connection
// and recorded in the ledger, nothing more.
//
// # Outbound (CRM webhook -> chat)
//
// CRM webhook events route by tenant domain to the matching session:
//
//   - MESSAGE_ADDED: delivered to the chat peer named in the payload
//   - LEAD_CREATED / CONTACT_CREATED: fixed-template notice to the
//     configured admin peer, if any
//
// A routing miss (no session for the tenant) is a silent no-op. The webhook
// caller is acknowledged by the HTTP layer before any of this resolves.
package relay
