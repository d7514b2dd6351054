package db

import "context"

// SaveKeyImage persists a spent key image for audit/forensic durability
// alongside internal/keyimage.Registry's in-process set (spec.md §3:
// KeyImageRegistry is process-wide, but a durable trail survives
// restarts for investigation). Not part of any domain interface, and
// nothing in this module calls it: Registry.Insert does not write here.
func (s *PostgresStore) SaveKeyImage(ctx context.Context, keyImage []byte, sessionID string) error {
	const sql = `INSERT INTO key_images (key_image, session_id) VALUES ($1, $2) ON CONFLICT (key_image) DO NOTHING`
	_, err := s.pool.Exec(ctx, sql, keyImage, sessionID)
	return err
}
