package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PaymentMetricsRepository manages the singleton payment_metrics row.
type PaymentMetricsRepository struct {
	db *pgxpool.Pool
}

// NewPaymentMetricsRepository creates a new payment-metrics repository instance.
func NewPaymentMetricsRepository(db *DB) *PaymentMetricsRepository {
	return &PaymentMetricsRepository{db: db.pool}
}

// Get returns the current metrics snapshot.
func (r *PaymentMetricsRepository) Get(ctx context.Context) (*PaymentMetrics, error) {
	query := `SELECT total_payments, cyberherd_payments_detected, regular_payments_processed,
		feeder_triggers, failed_payments, session_start FROM payment_metrics WHERE id = 1`

	var m PaymentMetrics
	err := r.db.QueryRow(ctx, query).Scan(
		&m.TotalPayments, &m.CyberherdPaymentsDetected, &m.RegularPaymentsProcessed,
		&m.FeederTriggers, &m.FailedPayments, &m.SessionStart,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment metrics: %w", err)
	}
	return &m, nil
}

// IncrementTotalPayments bumps the lifetime payment counter by one.
func (r *PaymentMetricsRepository) IncrementTotalPayments(ctx context.Context) error {
	return r.increment(ctx, "total_payments")
}

// IncrementCyberherdDetected bumps the cyberherd-payments-detected counter.
func (r *PaymentMetricsRepository) IncrementCyberherdDetected(ctx context.Context) error {
	return r.increment(ctx, "cyberherd_payments_detected")
}

// IncrementRegularProcessed bumps the regular-payments-processed counter.
func (r *PaymentMetricsRepository) IncrementRegularProcessed(ctx context.Context) error {
	return r.increment(ctx, "regular_payments_processed")
}

// IncrementFeederTriggers bumps the feeder-triggers counter.
func (r *PaymentMetricsRepository) IncrementFeederTriggers(ctx context.Context) error {
	return r.increment(ctx, "feeder_triggers")
}

// IncrementFailedPayments bumps the failed-payments counter.
func (r *PaymentMetricsRepository) IncrementFailedPayments(ctx context.Context) error {
	return r.increment(ctx, "failed_payments")
}

func (r *PaymentMetricsRepository) increment(ctx context.Context, column string) error {
	query := fmt.Sprintf(`UPDATE payment_metrics SET %s = %s + 1 WHERE id = 1`, column, column)
	if _, err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}

// ResetForNewDay stamps session_start, used by the daily reset alongside
// HerdRepository.DeleteAll. The lifetime counters are left unchanged.
func (r *PaymentMetricsRepository) ResetForNewDay(ctx context.Context, now time.Time) error {
	query := `UPDATE payment_metrics SET session_start = $1 WHERE id = 1`
	if _, err := r.db.Exec(ctx, query, now); err != nil {
		return fmt.Errorf("failed to reset payment metrics: %w", err)
	}
	return nil
}
