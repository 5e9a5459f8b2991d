// ABOUTME: Explicit session lifecycle state machines and their process-wide registry
// ABOUTME: Transitions are the only mutation path; invalid ones fail at the source

// Package session models the lifecycle of one agent invocation as an
// explicit state machine. Every observable state change goes through
// Transition, which validates against the legal transition table, appends
// to an ordered history, and resolves the completion future exactly once
// on the terminal transition. A watchdog timer bounds every session
// regardless of what the external agent does.
package session
