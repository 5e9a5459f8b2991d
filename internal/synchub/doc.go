// Package synchub is the single-process publish/subscribe surface for
// conversation events. Publishers never block: each subscriber owns a
// bounded backlog from which a pump goroutine feeds its delivery channel,
// and when the backlog fills, the oldest stream event is evicted while
// lifecycle events always survive. Resume reconciles reconnecting
// subscribers against the conversation's latest persisted session.
package synchub
