// Package agent defines the collaborator contract for external CLI AI
// assistants and the manager that tracks which agents are available.
package agent
