package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrZapNotFound is returned when a processed zap row does not exist.
var ErrZapNotFound = errors.New("processed zap not found")

// ProcessedZapRepository handles all database operations for the
// processed_zap_events idempotency table.
type ProcessedZapRepository struct {
	db *pgxpool.Pool
}

// NewProcessedZapRepository creates a new processed-zap repository instance.
func NewProcessedZapRepository(db *DB) *ProcessedZapRepository {
	return &ProcessedZapRepository{db: db.pool}
}

// Get retrieves a processed-zap row by zap event id.
func (r *ProcessedZapRepository) Get(ctx context.Context, zapEventID string) (*ProcessedZap, error) {
	query := `SELECT zap_event_id, pubkey, original_event_id, amount, status, processed_at
		FROM processed_zap_events WHERE zap_event_id = $1`

	var z ProcessedZap
	var status string
	err := r.db.QueryRow(ctx, query, zapEventID).Scan(
		&z.ZapEventID, &z.Pubkey, &z.OriginalEventID, &z.Amount, &status, &z.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrZapNotFound
		}
		return nil, fmt.Errorf("failed to get processed zap %s: %w", zapEventID, err)
	}
	z.Status = ZapStatus(status)
	return &z, nil
}

// ClaimProcessing implements the duplicate guard described in the herd
// engine's admission decision table: it inserts a "processing" row for
// zapEventID, or takes over an existing row that is either stuck (processing
// older than StuckProcessingWindow) or terminally failed. It returns
// (claimed=true, nil) when the caller should proceed with admission work, and
// (claimed=false, nil) when the zap is already completed or being processed
// freshly by someone else — a true no-op duplicate.
func (r *ProcessedZapRepository) ClaimProcessing(ctx context.Context, zapEventID, pubkey, originalEventID string, amount int64) (claimed bool, err error) {
	existing, err := r.Get(ctx, zapEventID)
	if err != nil {
		if !errors.Is(err, ErrZapNotFound) {
			return false, err
		}
		// No row yet: insert fresh.
		insert := `INSERT INTO processed_zap_events (zap_event_id, pubkey, original_event_id, amount, status, processed_at)
			VALUES ($1, $2, $3, $4, 'processing', now())
			ON CONFLICT (zap_event_id) DO NOTHING`
		tag, err := r.db.Exec(ctx, insert, zapEventID, pubkey, originalEventID, amount)
		if err != nil {
			return false, fmt.Errorf("failed to claim zap %s: %w", zapEventID, err)
		}
		return tag.RowsAffected() > 0, nil
	}

	switch existing.Status {
	case ZapCompleted:
		return false, nil
	case ZapProcessing:
		if !existing.IsStuck(time.Now().UTC()) {
			return false, nil
		}
		// Stuck processing row: take it over.
	case ZapFailed:
		// Previously failed: retry.
	}

	update := `UPDATE processed_zap_events SET
		pubkey = $2, original_event_id = $3, amount = $4, status = 'processing', processed_at = now()
	WHERE zap_event_id = $1`
	if _, err := r.db.Exec(ctx, update, zapEventID, pubkey, originalEventID, amount); err != nil {
		return false, fmt.Errorf("failed to reclaim zap %s: %w", zapEventID, err)
	}
	return true, nil
}

// MarkCompleted transitions a processing row to completed.
func (r *ProcessedZapRepository) MarkCompleted(ctx context.Context, zapEventID string) error {
	return r.markStatus(ctx, zapEventID, ZapCompleted)
}

// MarkFailed transitions a processing row to failed.
func (r *ProcessedZapRepository) MarkFailed(ctx context.Context, zapEventID string) error {
	return r.markStatus(ctx, zapEventID, ZapFailed)
}

func (r *ProcessedZapRepository) markStatus(ctx context.Context, zapEventID string, status ZapStatus) error {
	query := `UPDATE processed_zap_events SET status = $2 WHERE zap_event_id = $1`
	tag, err := r.db.Exec(ctx, query, zapEventID, string(status))
	if err != nil {
		return fmt.Errorf("failed to mark zap %s as %s: %w", zapEventID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrZapNotFound
	}
	return nil
}

// Purge deletes completed/failed rows older than the given age and returns
// how many it removed. Nothing in this module calls it on a schedule.
func (r *ProcessedZapRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM processed_zap_events
		WHERE status IN ('completed', 'failed') AND processed_at < $1`
	tag, err := r.db.Exec(ctx, query, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed zaps: %w", err)
	}
	return tag.RowsAffected(), nil
}
