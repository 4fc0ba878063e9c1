package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fieldsync/models"
)

// RecordCache keeps read copies of confirmed remote records so history can
// be shown while offline.
type RecordCache struct {
	store *Store
}

// NewRecordCache returns the record cache view over s.
func NewRecordCache(s *Store) *RecordCache {
	return &RecordCache{store: s}
}

// ReplaceUser swaps the cached history of one user for records.
func (c *RecordCache) ReplaceUser(ctx context.Context, userID string, records []models.RemoteRecord) error {
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_cache WHERE user_id = ?`, userID); err != nil {
			return err
		}
		for _, r := range records {
			if err := upsertRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache records for %s: %w", userID, err)
	}
	return nil
}

// Upsert stores or refreshes individual records.
func (c *RecordCache) Upsert(ctx context.Context, records ...models.RemoteRecord) error {
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			if err := upsertRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache records: %w", err)
	}
	return nil
}

// ListByUser returns a user's cached records, newest first.
func (c *RecordCache) ListByUser(ctx context.Context, userID string) ([]models.RemoteRecord, error) {
	return c.list(ctx, `WHERE user_id = ?`, userID)
}

// ListByDetail returns cached records of one sector detail, newest first.
func (c *RecordCache) ListByDetail(ctx context.Context, sectorDetailID int64) ([]models.RemoteRecord, error) {
	return c.list(ctx, `WHERE sector_detail_id = ?`, sectorDetailID)
}

// Delete drops one cached record; missing rows are ignored.
func (c *RecordCache) Delete(ctx context.Context, id int64) error {
	if _, err := c.store.db.ExecContext(ctx, `DELETE FROM record_cache WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to drop cached record %d: %w", id, err)
	}
	return nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, r models.RemoteRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO record_cache (id, user_id, sector_detail_id, uploaded_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			sector_detail_id = excluded.sector_detail_id,
			uploaded_at = excluded.uploaded_at,
			data = excluded.data
	`, r.ID, r.UserID, r.SectorDetailID, formatTime(r.UploadedAt), string(data))
	return err
}

func (c *RecordCache) list(ctx context.Context, where string, args ...any) ([]models.RemoteRecord, error) {
	rows, err := c.store.db.QueryContext(ctx, `SELECT data FROM record_cache `+where+` ORDER BY uploaded_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached records: %w", err)
	}
	defer rows.Close()

	records := []models.RemoteRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan cached record: %w", err)
		}
		var r models.RemoteRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode cached record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached records: %w", err)
	}
	return records, nil
}
