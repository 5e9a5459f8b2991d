// Package dedupe provides an in-memory TTL cache over idempotency keys so
// that repeat deliveries within the same process skip a database round trip.
package dedupe
