// ABOUTME: Package store provides durable, transactional persistence for the core
// ABOUTME: Conversations, messages, sessions, audit events, and idempotency records

// Package store is the single durable resource of the gateway. All mutating
// operations run inside SQLite transactions in WAL mode, so a crash at any
// point leaves the database satisfying the data-model invariants: messages
// reference live conversations, timestamps are strictly monotonic per
// conversation, and every mutation appends its audit event atomically with
// the row it describes.
//
// AppendMessage is the distinguished intake operation: when a client retries
// with the same idempotency key inside the 24h window, the original message
// record is returned verbatim and no new row or event is written.
package store
