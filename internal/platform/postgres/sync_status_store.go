package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
	"github.com/Markmu/sector-strength-sub001/internal/store"
	"github.com/Markmu/sector-strength-sub001/internal/strength"
)

// SyncStatusStore records the last successful sync of each upstream
// dataset. The classification job reads it to decide whether the day's
// data is ready.
type SyncStatusStore struct {
	db store.DBTX
}

var _ strength.SyncStatus = (*SyncStatusStore)(nil)

// NewSyncStatusStore returns a SyncStatusStore on db.
func NewSyncStatusStore(db store.DBTX) *SyncStatusStore {
	return &SyncStatusStore{db: db}
}

// RecordSync upserts the status row of rec.Dataset.
func (s *SyncStatusStore) RecordSync(ctx context.Context, rec strength.SyncRecord) error {
	if rec.Dataset == "" {
		return fmt.Errorf("%w: dataset is required", store.ErrInvalidEntity)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_sync_status (dataset, last_trade_date, row_count, status, message, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dataset) DO UPDATE SET
			last_trade_date = excluded.last_trade_date,
			row_count = excluded.row_count,
			status = excluded.status,
			message = excluded.message,
			synced_at = excluded.synced_at`,
		rec.Dataset, dateOnly(rec.TradeDate), rec.Rows, rec.Status, nullString(rec.Message), rec.SyncedAt.UTC(),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to record sync status", "dataset", rec.Dataset, "error", err)
		return MapError(err)
	}
	return nil
}

// LatestSync returns the status row of dataset or store.ErrDatasetNotFound.
func (s *SyncStatusStore) LatestSync(ctx context.Context, dataset string) (*strength.SyncRecord, error) {
	var (
		rec     strength.SyncRecord
		message sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT dataset, last_trade_date, row_count, status, message, synced_at
		FROM data_sync_status
		WHERE dataset = $1`, dataset).
		Scan(&rec.Dataset, &rec.TradeDate, &rec.Rows, &rec.Status, &message, &rec.SyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrDatasetNotFound, dataset)
		}
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	rec.TradeDate = dateOnly(rec.TradeDate)
	rec.SyncedAt = rec.SyncedAt.UTC()
	rec.Message = message.String
	return &rec, nil
}

// dateOnly keeps the calendar date of t as midnight UTC.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
