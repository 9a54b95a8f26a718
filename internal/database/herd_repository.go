package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrMemberNotFound is returned when a herd member is not found in the database.
	ErrMemberNotFound = errors.New("herd member not found")
)

// HerdRepository handles all database operations for cyber_herd rows.
type HerdRepository struct {
	db *pgxpool.Pool
}

// NewHerdRepository creates a new herd repository instance.
func NewHerdRepository(db *DB) *HerdRepository {
	return &HerdRepository{db: db.pool}
}

// GetByPubkey retrieves a herd member by pubkey regardless of active state.
// Returns ErrMemberNotFound if the pubkey does not exist.
func (r *HerdRepository) GetByPubkey(ctx context.Context, pubkey string) (*HerdMember, error) {
	return r.getByPubkey(ctx, r.db, pubkey)
}

// GetByPubkeyTx is GetByPubkey scoped to an in-flight transaction, used by
// the admission path so the read participates in the same snapshot as the
// subsequent write.
func (r *HerdRepository) GetByPubkeyTx(ctx context.Context, tx pgx.Tx, pubkey string) (*HerdMember, error) {
	return r.getByPubkey(ctx, tx, pubkey)
}

// CountActiveTx is CountActive scoped to an in-flight transaction.
func (r *HerdRepository) CountActiveTx(ctx context.Context, tx pgx.Tx) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM cyber_herd WHERE is_active = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active herd members: %w", err)
	}
	return n, nil
}

// ListActiveTx is ListActive scoped to an in-flight transaction.
func (r *HerdRepository) ListActiveTx(ctx context.Context, tx pgx.Tx) ([]*HerdMember, error) {
	query := `SELECT
		pubkey, display_name, lud16, nprofile, picture, relays, event_id, note,
		kinds, amount, payouts, is_active, notified, created_at, updated_at
	FROM cyber_herd WHERE is_active = TRUE ORDER BY payouts DESC`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active herd members: %w", err)
	}
	defer rows.Close()

	var members []*HerdMember
	for rows.Next() {
		var m HerdMember
		var relaysStr, kindsStr string
		if err := rows.Scan(
			&m.Pubkey, &m.DisplayName, &m.Lud16, &m.Nprofile, &m.Picture, &relaysStr,
			&m.EventID, &m.Note, &kindsStr, &m.Amount, &m.Payouts, &m.IsActive,
			&m.Notified, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan herd member row: %w", err)
		}
		m.Relays = splitNonEmpty(relaysStr)
		m.Kinds = DecodeKinds(kindsStr)
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return members, nil
}

func (r *HerdRepository) getByPubkey(ctx context.Context, q queryer, pubkey string) (*HerdMember, error) {
	query := `SELECT
		pubkey, display_name, lud16, nprofile, picture, relays, event_id, note,
		kinds, amount, payouts, is_active, notified, created_at, updated_at
	FROM cyber_herd WHERE pubkey = $1`

	var m HerdMember
	var relaysStr, kindsStr string

	err := q.QueryRow(ctx, query, pubkey).Scan(
		&m.Pubkey, &m.DisplayName, &m.Lud16, &m.Nprofile, &m.Picture, &relaysStr,
		&m.EventID, &m.Note, &kindsStr, &m.Amount, &m.Payouts, &m.IsActive,
		&m.Notified, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get herd member %s: %w", pubkey, err)
	}

	m.Relays = splitNonEmpty(relaysStr)
	m.Kinds = DecodeKinds(kindsStr)
	return &m, nil
}

// ListActive returns all active members, ordered by payouts descending.
func (r *HerdRepository) ListActive(ctx context.Context) ([]*HerdMember, error) {
	query := `SELECT
		pubkey, display_name, lud16, nprofile, picture, relays, event_id, note,
		kinds, amount, payouts, is_active, notified, created_at, updated_at
	FROM cyber_herd WHERE is_active = TRUE ORDER BY payouts DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active herd members: %w", err)
	}
	defer rows.Close()

	var members []*HerdMember
	for rows.Next() {
		var m HerdMember
		var relaysStr, kindsStr string
		if err := rows.Scan(
			&m.Pubkey, &m.DisplayName, &m.Lud16, &m.Nprofile, &m.Picture, &relaysStr,
			&m.EventID, &m.Note, &kindsStr, &m.Amount, &m.Payouts, &m.IsActive,
			&m.Notified, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan herd member row: %w", err)
		}
		m.Relays = splitNonEmpty(relaysStr)
		m.Kinds = DecodeKinds(kindsStr)
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return members, nil
}

// CountActive returns the number of currently active members.
func (r *HerdRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM cyber_herd WHERE is_active = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active herd members: %w", err)
	}
	return n, nil
}

// InsertActive inserts a brand new active member.
func (r *HerdRepository) InsertActive(ctx context.Context, tx pgx.Tx, m *HerdMember) error {
	query := `INSERT INTO cyber_herd (
		pubkey, display_name, lud16, nprofile, picture, relays, event_id, note,
		kinds, amount, payouts, is_active, notified
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12)`

	_, err := tx.Exec(ctx, query,
		m.Pubkey, m.DisplayName, m.Lud16, m.Nprofile, m.Picture, m.RelaysString(),
		m.EventID, m.Note, m.KindsString(), m.Amount, m.Payouts, m.Notified,
	)
	if err != nil {
		return fmt.Errorf("failed to insert herd member %s: %w", m.Pubkey, err)
	}
	return nil
}

// ReactivateTx flips a previously-deactivated member back to active with a
// fresh standing, used when a displaced member later wins a headbutt.
// Unlike InsertActive it targets an existing row (no conflict on the
// pubkey primary key).
func (r *HerdRepository) ReactivateTx(ctx context.Context, tx pgx.Tx, m *HerdMember) error {
	query := `UPDATE cyber_herd SET
		display_name = $2, lud16 = $3, nprofile = $4, picture = $5, relays = $6,
		event_id = $7, note = $8, kinds = $9, amount = $10, payouts = $11,
		is_active = TRUE, updated_at = now()
	WHERE pubkey = $1`

	tag, err := tx.Exec(ctx, query,
		m.Pubkey, m.DisplayName, m.Lud16, m.Nprofile, m.Picture, m.RelaysString(),
		m.EventID, m.Note, m.KindsString(), m.Amount, m.Payouts,
	)
	if err != nil {
		return fmt.Errorf("failed to reactivate herd member %s: %w", m.Pubkey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// UpdateAccumulation writes a member's new cumulative amount/payouts/kinds and
// marks it active, as part of the admission/accumulation decision.
func (r *HerdRepository) UpdateAccumulation(ctx context.Context, tx pgx.Tx, pubkey string, amount int64, payouts float64, kinds []int) error {
	query := `UPDATE cyber_herd SET
		amount = $2, payouts = $3, kinds = $4, is_active = TRUE, updated_at = now()
	WHERE pubkey = $1`

	tag, err := tx.Exec(ctx, query, pubkey, amount, payouts, EncodeKinds(kinds))
	if err != nil {
		return fmt.Errorf("failed to accumulate herd member %s: %w", pubkey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// Deactivate flips is_active to false and zeroes the member's standing, used
// by headbutt displacement.
func (r *HerdRepository) Deactivate(ctx context.Context, tx pgx.Tx, pubkey string) error {
	query := `UPDATE cyber_herd SET
		is_active = FALSE, amount = 0, payouts = 0, updated_at = now()
	WHERE pubkey = $1`

	tag, err := tx.Exec(ctx, query, pubkey)
	if err != nil {
		return fmt.Errorf("failed to deactivate herd member %s: %w", pubkey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// DeleteAll removes every herd row, used by the daily reset.
func (r *HerdRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM cyber_herd`); err != nil {
		return fmt.Errorf("failed to clear herd: %w", err)
	}
	return nil
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting lookups run
// either standalone or inside an admission transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
