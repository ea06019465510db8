// Package session manages the binding between CRM tenants and live chat
// transport connections.
//
// # Session
//
// A Session pairs one tenant's CRM credentials with exclusive ownership of
// one chat transport instance. At most one transport is live per session at
// any time; every reconnect fully tears down the previous instance before a
// new one is dialed.
//
// # Registry
//
// The Registry is the process-wide table of active sessions, keyed by the
// owning client connection and searchable by tenant. It is an explicit
// object handed to the server rather than ambient global state, so tests
// can run registries side by side. Everything is in-memory: a restart loses
// all sessions and clients must re-initialize (paired transports resume
// from their own credential stores).
//
// # Lifecycle state machine
//
// The Manager drives each session through
//
//	Idle → Connecting → {PairingPending, Connected} → Reconnecting → Connecting
//
// with a terminal LoggedOut state on explicit logout. Transitions are made
// by a single dispatch loop per session, consuming transport events as an
// input type; no other component writes session state. Transient closes
// schedule exactly one fixed-delay reconnect (5s from an active connection,
// 10s during initial connect) with unbounded retries. Explicit disconnect
// cancels pending timers, discards in-flight connects, and removes the
// session from the registry. A terminal logout also removes the session, so
// the client's next initialize starts fresh.
package session
