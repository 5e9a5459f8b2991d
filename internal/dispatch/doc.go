// Package dispatch orchestrates one agent invocation end to end. The
// intake path persists the user message idempotently, creates the
// session, registers its state machine, and returns. A background task
// per session then acquires the agent, streams its output through the
// hub, persists the assistant reply, and settles the session exactly
// once. A per-conversation gate keeps at most one session in flight so
// message order matches observation order.
package dispatch
