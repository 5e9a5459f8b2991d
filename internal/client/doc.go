// Package client holds the client-side counterpart to the gateway's
// streaming surface: an Outbox that queues dispatches while offline and
// flushes them in order on reconnect, reusing the same idempotency key on
// every retry so partial failures never duplicate messages.
package client
