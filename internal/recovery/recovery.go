// Package recovery reconciles missed zaps after a restart and runs a
// lower-priority repost-tracking loop, both bounded background tasks that
// run once at startup (recovery) or forever at a slow cadence (repost
// tracking).
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/herd"
	"cyberherd/internal/nostr"
	"cyberherd/internal/zappipeline"
	"cyberherd/pkg/logger"

	gonostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	totalBudget         = 2 * time.Minute
	notesToday          = 10
	receiptsPerNote     = 20
	perNoteTimeout      = 8 * time.Second
	notesCacheKeyPrefix = "recovery:notes:"

	repostPollInterval   = 30 * time.Second
	repostCacheTTL       = 12 * time.Hour
	repostCacheKeyPrefix = "repost:"
)

// Recovery reconciles missed zaps at startup and tracks reposts in the
// background thereafter.
type Recovery struct {
	nostrClient *nostr.Adapter
	zapRepo     *database.ProcessedZapRepository
	cacheRepo   *database.CacheRepository
	herdEngine  *herd.Engine
	pipeline    *zappipeline.Pipeline
}

// New creates a Recovery.
func New(nostrClient *nostr.Adapter, zapRepo *database.ProcessedZapRepository, cacheRepo *database.CacheRepository, herdEngine *herd.Engine, pipeline *zappipeline.Pipeline) *Recovery {
	return &Recovery{
		nostrClient: nostrClient,
		zapRepo:     zapRepo,
		cacheRepo:   cacheRepo,
		herdEngine:  herdEngine,
		pipeline:    pipeline,
	}
}

// zapReceiptShape is enough of a kind-9735 event to extract its amount tag
// and identity, without pulling in a bolt11 decoder: NIP-57 receipts carry
// the zapped millisat amount directly in an "amount" tag.
type zapReceiptShape struct {
	ID   string     `json:"id"`
	Tags [][]string `json:"tags"`
}

func (z *zapReceiptShape) amountSats() int64 {
	for _, t := range z.Tags {
		if len(t) >= 2 && t[0] == "amount" {
			if msat, err := strconv.ParseInt(t[1], 10, 64); err == nil {
				return msat / 1000
			}
		}
	}
	return 0
}

// Run reconciles missed zaps, bounded to totalBudget wall-clock overall.
func (r *Recovery) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	midnight := midnightUTC(time.Now().UTC())
	noteIDs, err := r.todaysHerdNoteIDs(ctx, midnight)
	if err != nil {
		return err
	}

	if len(noteIDs) > notesToday {
		noteIDs = noteIDs[:notesToday]
	}

	for _, noteID := range noteIDs {
		if err := ctx.Err(); err != nil {
			logger.Warn("recovery: budget exhausted, stopping early", zap.Error(err))
			return nil
		}
		r.reconcileNote(ctx, noteID)
	}
	return nil
}

func (r *Recovery) todaysHerdNoteIDs(ctx context.Context, midnight time.Time) ([]string, error) {
	cacheKey := notesCacheKeyPrefix + midnight.Format("2006-01-02")

	if cached, err := r.cacheRepo.Get(ctx, cacheKey); err == nil {
		var ids []string
		if jsonErr := json.Unmarshal([]byte(cached), &ids); jsonErr == nil {
			return ids, nil
		}
	} else if !errors.Is(err, database.ErrCacheMiss) {
		logger.Warn("recovery: failed to read cached note list", zap.Error(err))
	}

	notes, err := r.nostrClient.ListSelfCyberHerdNotes(ctx, midnight, notesToday)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}

	if payload, err := json.Marshal(ids); err == nil {
		ttl := time.Until(midnight.Add(24 * time.Hour))
		if err := r.cacheRepo.Set(ctx, cacheKey, string(payload), ttl); err != nil {
			logger.Warn("recovery: failed to cache today's note list", zap.Error(err))
		}
	}

	return ids, nil
}

func (r *Recovery) reconcileNote(ctx context.Context, noteID string) {
	noteCtx, cancel := context.WithTimeout(ctx, perNoteTimeout)
	defer cancel()

	receipts, err := r.nostrClient.ListEventsReferencing(noteCtx, noteID, []int{9735}, receiptsPerNote)
	if err != nil {
		logger.Warn("recovery: failed to list zap receipts for note", zap.String("note_id", noteID), zap.Error(err))
		return
	}

	for _, receipt := range receipts {
		r.reconcileReceipt(ctx, receipt)
	}
}

func (r *Recovery) reconcileReceipt(ctx context.Context, receipt *gonostr.Event) {
	shouldProcess, err := r.shouldProcess(ctx, receipt.ID)
	if err != nil {
		logger.Warn("recovery: failed to check processed-zap status", zap.String("zap_id", receipt.ID), zap.Error(err))
		return
	}
	if !shouldProcess {
		return
	}

	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		logger.Warn("recovery: failed to re-marshal zap receipt", zap.String("zap_id", receipt.ID), zap.Error(err))
		return
	}

	var shape zapReceiptShape
	if err := json.Unmarshal(receiptJSON, &shape); err != nil {
		logger.Warn("recovery: failed to parse zap receipt amount", zap.String("zap_id", receipt.ID), zap.Error(err))
		return
	}

	if err := r.pipeline.ReplayZapReceipt(ctx, receiptJSON, shape.amountSats()); err != nil {
		logger.Error("recovery: failed to replay zap receipt", zap.String("zap_id", receipt.ID), zap.Error(err))
	}
}

func (r *Recovery) shouldProcess(ctx context.Context, zapEventID string) (bool, error) {
	existing, err := r.zapRepo.Get(ctx, zapEventID)
	if err != nil {
		if errors.Is(err, database.ErrZapNotFound) {
			return true, nil
		}
		return false, err
	}

	switch existing.Status {
	case database.ZapCompleted:
		return false, nil
	case database.ZapFailed:
		return true, nil
	case database.ZapProcessing:
		return existing.IsStuck(time.Now().UTC()), nil
	default:
		return false, nil
	}
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RunRepostTracker polls relays every repostPollInterval for kind-6 reposts
// of today's self-authored CyberHerd-tagged notes, recording each reposting
// pubkey's most recent repost id in Cache (12h TTL). It runs until ctx is
// cancelled. It never admits new members: the herd engine only credits a
// repost for a pubkey that is already an active member.
func (r *Recovery) RunRepostTracker(ctx context.Context) {
	ticker := time.NewTicker(repostPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkForReposts(ctx)
		}
	}
}

func (r *Recovery) checkForReposts(ctx context.Context) {
	midnight := midnightUTC(time.Now().UTC())
	noteIDs, err := r.todaysHerdNoteIDs(ctx, midnight)
	if err != nil {
		logger.Warn("recovery: repost tracker failed to list today's notes", zap.Error(err))
		return
	}

	for _, noteID := range noteIDs {
		reposts, err := r.nostrClient.ListEventsReferencing(ctx, noteID, []int{6}, receiptsPerNote)
		if err != nil {
			logger.Warn("recovery: repost tracker failed to list reposts", zap.String("note_id", noteID), zap.Error(err))
			continue
		}
		for _, repost := range reposts {
			r.recordRepost(ctx, repost)
		}
	}
}

func (r *Recovery) recordRepost(ctx context.Context, repost *gonostr.Event) {
	// CreditRepost is idempotent: a member's Kinds already containing 6
	// means the payout bump was applied on an earlier poll, so crediting
	// again here is a harmless no-op. The cache entry is the herd's record
	// of each member's latest repost, kept for 12 hours per member.
	if err := r.herdEngine.CreditRepost(ctx, repost.PubKey); err != nil {
		logger.Warn("recovery: failed to credit repost", zap.String("pubkey", repost.PubKey), zap.Error(err))
		return
	}

	cacheKey := repostCacheKeyPrefix + repost.PubKey
	if err := r.cacheRepo.Set(ctx, cacheKey, repost.ID, repostCacheTTL); err != nil {
		logger.Warn("recovery: failed to cache repost id", zap.String("pubkey", repost.PubKey), zap.Error(err))
	}
}
