// ABOUTME: Consistency checks over the persisted entities
// ABOUTME: Detects orphaned messages, duplicate IDs, and dangling session references

package store

import (
	"context"
	"fmt"

	"github.com/gmkit/gm-gateway/internal/fault"
)

// integrityChecks are SQL probes that return one row per violation. The
// first column of each row is interpolated into the description.
var integrityChecks = []struct {
	description string
	query       string
}{
	{
		description: "message %s references missing conversation",
		query: `SELECT m.id FROM messages m
		        LEFT JOIN conversations c ON c.id = m.conversation_id
		        WHERE c.id IS NULL`,
	},
	{
		description: "session %s references missing conversation",
		query: `SELECT s.id FROM sessions s
		        LEFT JOIN conversations c ON c.id = s.conversation_id
		        WHERE c.id IS NULL`,
	},
	{
		description: "session %s references missing user message",
		query: `SELECT s.id FROM sessions s
		        LEFT JOIN messages m ON m.id = s.user_message_id
		        WHERE m.id IS NULL`,
	},
	{
		description: "session %s response references missing assistant message",
		query: `SELECT s.id FROM sessions s
		        LEFT JOIN messages m ON m.id = s.response_message_id
		        WHERE s.response_message_id IS NOT NULL AND m.id IS NULL`,
	},
	{
		description: "assistant message %s referenced by more than one session",
		query: `SELECT response_message_id FROM sessions
		        WHERE response_message_id IS NOT NULL
		        GROUP BY response_message_id HAVING COUNT(*) > 1`,
	},
	{
		description: "idempotency key %s references missing message",
		query: `SELECT k.key FROM idempotency_keys k
		        LEFT JOIN messages m ON m.id = k.message_id
		        WHERE m.id IS NULL`,
	},
	{
		description: "conversation %s has non-monotonic message timestamps",
		query: `SELECT conversation_id FROM messages
		        GROUP BY conversation_id, created_at HAVING COUNT(*) > 1`,
	},
}

// ValidateIntegrity runs every consistency probe and reports violations.
// Foreign keys and unique indexes should make all of these unreachable;
// the checks exist to surface corruption from external writes or bugs.
func (s *SQLiteStore) ValidateIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{OK: true}

	for _, check := range integrityChecks {
		rows, err := s.db.QueryContext(ctx, check.query)
		if err != nil {
			return nil, fault.Database(err, "running integrity check")
		}

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fault.Database(err, "scanning integrity row")
			}
			report.OK = false
			report.Violations = append(report.Violations, fmt.Sprintf(check.description, id))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fault.Database(err, "iterating integrity rows")
		}
		rows.Close()
	}

	if !report.OK {
		s.logger.Warn("integrity violations found", "count", len(report.Violations))
	}
	return report, nil
}
