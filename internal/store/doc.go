// Package store provides the persistent message ledger using SQLite.
//
// # Overview
//
// Every message the relay forwards, in either direction, is appended to the
// ledger with its delivery outcome. The ledger is an audit trail for the
// status endpoint and operators; it is never consulted for delivery and
// never replayed. Failed forwards are recorded alongside successes.
//
// # SQLite Configuration
//
// The ledger uses SQLite (via modernc.org/sqlite, no cgo) with WAL mode so
// relay writes do not block status reads:
//
//	PRAGMA journal_mode=WAL;
//
// Use NewSQLiteLedger(":memory:") in tests.
//
// # Schema
//
// One table, messages, keyed by a generated UUID with a (tenant_id,
// created_at) index for the per-tenant recent-messages query. The schema is
// bootstrapped on open with CREATE TABLE IF NOT EXISTS.
package store
