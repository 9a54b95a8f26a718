package database

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ZapStatus represents the lifecycle state of a processed zap event.
type ZapStatus string

const (
	ZapProcessing ZapStatus = "processing"
	ZapCompleted  ZapStatus = "completed"
	ZapFailed     ZapStatus = "failed"
)

// StuckProcessingWindow is how long a "processing" row may stand before it is
// considered abandoned and eligible for retry.
const StuckProcessingWindow = 10 * time.Minute

// HerdMember is a row in the cyber_herd table, keyed by pubkey.
type HerdMember struct {
	Pubkey      string    `json:"pubkey" db:"pubkey"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Lud16       string    `json:"lud16" db:"lud16"`
	Nprofile    string    `json:"nprofile" db:"nprofile"`
	Picture     *string   `json:"picture,omitempty" db:"picture"`
	Relays      []string  `json:"relays" db:"-"`
	EventID     string    `json:"event_id" db:"event_id"`
	Note        string    `json:"note" db:"note"`
	Kinds       []int     `json:"kinds" db:"-"`
	Amount      int64     `json:"amount" db:"amount"`
	Payouts     float64   `json:"payouts" db:"payouts"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	Notified    *string   `json:"notified,omitempty" db:"notified"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// KindsString returns the comma-separated, numerically sorted canonical form
// of Kinds, matching the column format in the cyber_herd table.
func (m *HerdMember) KindsString() string {
	return EncodeKinds(m.Kinds)
}

// RelaysString joins Relays with a comma for storage.
func (m *HerdMember) RelaysString() string {
	return strings.Join(m.Relays, ",")
}

// EncodeKinds renders a set of Nostr kind integers as the canonical
// comma-separated, ascending, deduplicated string stored in the database.
func EncodeKinds(kinds []int) string {
	seen := make(map[int]struct{}, len(kinds))
	unique := make([]int, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}
	sort.Ints(unique)
	parts := make([]string, len(unique))
	for i, k := range unique {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}

// DecodeKinds parses the canonical comma-separated kinds column back into a
// set. Empty or malformed segments are skipped rather than erroring, mirroring
// the tolerant parsing of the reconciled system this table was modeled on.
func DecodeKinds(s string) []int {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ProcessedZap is a row in the processed_zap_events table, keyed by the zap
// receipt's event id. It is the idempotency record for the zap pipeline.
type ProcessedZap struct {
	ZapEventID      string    `json:"zap_event_id" db:"zap_event_id"`
	Pubkey          string    `json:"pubkey" db:"pubkey"`
	OriginalEventID string    `json:"original_event_id" db:"original_event_id"`
	Amount          int64     `json:"amount" db:"amount"`
	Status          ZapStatus `json:"status" db:"status"`
	ProcessedAt     time.Time `json:"processed_at" db:"processed_at"`
}

// IsStuck reports whether a "processing" row is older than StuckProcessingWindow
// and therefore eligible to be reclaimed and retried.
func (p *ProcessedZap) IsStuck(now time.Time) bool {
	return p.Status == ZapProcessing && now.Sub(p.ProcessedAt) > StuckProcessingWindow
}

// CacheEntry is a row in the cache table: an opaque TTL key/value pair used
// for daily-scoped bookkeeping and rate-limit timestamps.
type CacheEntry struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// PaymentMetrics is the singleton payment_metrics row.
type PaymentMetrics struct {
	TotalPayments             int64     `json:"total_payments" db:"total_payments"`
	CyberherdPaymentsDetected int64     `json:"cyberherd_payments_detected" db:"cyberherd_payments_detected"`
	RegularPaymentsProcessed  int64     `json:"regular_payments_processed" db:"regular_payments_processed"`
	FeederTriggers            int64     `json:"feeder_triggers" db:"feeder_triggers"`
	FailedPayments            int64     `json:"failed_payments" db:"failed_payments"`
	SessionStart              time.Time `json:"session_start" db:"session_start"`
}
