package db

import (
	"context"

	"github.com/google/uuid"

	"github.com/rawblock/mixcoordinator/pkg/models"
)

// Record implements mixengine.AuditRecorder. Failures here are logged by
// the caller and never propagated as a state-transition error (spec.md
// §7: "audit logging is asynchronous and must never fail a state
// transition").
func (s *PostgresStore) Record(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const sql = `INSERT INTO audit_log (id, entity_id, action, level, details, timestamp) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, sql, entry.ID, entry.EntityID, entry.Action, entry.Level, entry.Details, entry.Timestamp)
	return err
}
