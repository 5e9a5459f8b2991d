// Package gateway is the HTTP and WebSocket surface over the session
// core. REST routes cover conversations, messages, sessions, and
// diagnostics; the WebSocket endpoint bridges hub subscriptions onto one
// connection with resume reconciliation per subscribed conversation.
package gateway
