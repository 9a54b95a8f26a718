// Package splittarget recomputes the wallet's split-payment target list
// from the currently active herd, keeping the external split router's
// configuration in sync with herd membership.
package splittarget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cyberherd/internal/database"
	"cyberherd/internal/wallet"
	"cyberherd/pkg/logger"

	"go.uber.org/zap"
)

const (
	lastPushCacheKey = "split_targets:last_push"
	minPushInterval  = 3 * time.Second
	memberAllocation = 10 // total percent shared by non-fallback members
	minPercent       = 1
	maxMembers       = memberAllocation / minPercent
)

// Synchronizer pushes the wallet's split-target document so it mirrors the
// currently active herd.
type Synchronizer struct {
	herdRepo  *database.HerdRepository
	cacheRepo *database.CacheRepository
	wallet    *wallet.Adapter

	fallbackLud16 string
	fallbackAlias string
}

// New creates a Synchronizer.
func New(herdRepo *database.HerdRepository, cacheRepo *database.CacheRepository, walletAdapter *wallet.Adapter, fallbackLud16, fallbackAlias string) *Synchronizer {
	return &Synchronizer{
		herdRepo:      herdRepo,
		cacheRepo:     cacheRepo,
		wallet:        walletAdapter,
		fallbackLud16: fallbackLud16,
		fallbackAlias: fallbackAlias,
	}
}

// Sync recomputes and pushes the split-target document. Unless force is
// true, it is a no-op if the last push was less than minPushInterval ago.
func (s *Synchronizer) Sync(ctx context.Context, force bool) error {
	if !force {
		_, err := s.cacheRepo.Get(ctx, lastPushCacheKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrCacheMiss) {
			return fmt.Errorf("splittarget: check rate limit: %w", err)
		}
	}

	members, err := s.herdRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("splittarget: list active members: %w", err)
	}

	withLud16 := make([]*database.HerdMember, 0, len(members))
	for _, m := range members {
		if m.Lud16 != "" {
			withLud16 = append(withLud16, m)
		}
	}

	targets := BuildTargets(withLud16, s.fallbackLud16, s.fallbackAlias)
	if err := s.wallet.PushSplitTargets(ctx, targets); err != nil {
		return fmt.Errorf("splittarget: push targets: %w", err)
	}

	if err := s.cacheRepo.Set(ctx, lastPushCacheKey, "1", minPushInterval); err != nil {
		logger.Warn("failed to record split-target push timestamp", zap.Error(err))
	}

	logger.Info("split targets synchronized", zap.Int("member_count", len(withLud16)), zap.Bool("forced", force))
	return nil
}

// BuildTargets constructs the split-target document for a set of active
// members already sorted by payouts descending. The fallback wallet always
// receives the full 100% when there are no members, otherwise 90%, with the
// remaining 10% distributed across at most maxMembers members: a 1% floor
// each, the remainder proportional to payouts, and any leftover integer
// percent handed out one-by-one in payouts-descending order.
func BuildTargets(members []*database.HerdMember, fallbackLud16, fallbackAlias string) []wallet.SplitTarget {
	fallback := wallet.SplitTarget{Wallet: fallbackLud16, Alias: fallbackAlias}

	if len(members) == 0 {
		fallback.Percent = 100
		return []wallet.SplitTarget{fallback}
	}
	fallback.Percent = 100 - memberAllocation

	capped := make([]*database.HerdMember, len(members))
	copy(capped, members)
	sort.SliceStable(capped, func(i, j int) bool { return capped[i].Payouts > capped[j].Payouts })
	if len(capped) > maxMembers {
		capped = capped[:maxMembers]
	}

	n := len(capped)
	percents := make([]int, n)
	for i := range percents {
		percents[i] = minPercent
	}

	remaining := memberAllocation - minPercent*n
	if remaining > 0 {
		sumPayouts := 0.0
		for _, m := range capped {
			sumPayouts += m.Payouts
		}

		allocated := 0
		if sumPayouts > 0 {
			for i, m := range capped {
				share := int(math.Floor(m.Payouts / sumPayouts * float64(remaining)))
				percents[i] += share
				allocated += share
			}
		}

		leftover := remaining - allocated
		for i := 0; leftover > 0; i = (i + 1) % n {
			percents[i]++
			leftover--
		}
	}

	targets := make([]wallet.SplitTarget, 0, n+1)
	targets = append(targets, fallback)
	for i, m := range capped {
		targets = append(targets, wallet.SplitTarget{Wallet: m.Lud16, Alias: m.DisplayName, Percent: percents[i]})
	}
	return targets
}
