// Package herd implements the bounded-capacity "active herd" admission
// mechanic: accumulating zaps for members already admitted, and a
// competitive "headbutt" displacement for new zappers arriving when the
// herd is full.
package herd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"cyberherd/internal/broadcast"
	"cyberherd/internal/database"
	"cyberherd/internal/messaging"
	"cyberherd/internal/nostr"
	"cyberherd/internal/splittarget"
	"cyberherd/pkg/cache"
	"cyberherd/pkg/logger"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// headbuttCooldown is the global minimum interval between two successful
// headbutts, regardless of victim.
const headbuttCooldown = 5 * time.Second

// admissionLockKey and admissionLockTTL back the distributed counterpart of
// the in-process herd mutex: a Redis SetNX lock guarding the admission
// critical section when more than one coordinator process shares a Store.
const (
	admissionLockKey = "cyberherd:admission-lock"
	admissionLockTTL = 10 * time.Second
)

// repostPayoutIncrement and reactionPayoutIncrement are the fixed payout
// contributions of engagement kinds 6 (repost) and 7 (reaction), credited
// only the first time a member is seen with that kind.
const (
	repostPayoutIncrement   = 0.2
	reactionPayoutIncrement = 0.0
)

// Candidate is a prospective or returning herd member derived from a zap,
// repost, or reaction, assembled by the zap pipeline or recovery.
type Candidate struct {
	Pubkey      string
	DisplayName string
	EventID     string // the zapped note's id, used to tag replies
	Note        string // the zap receipt id, the idempotency key
	Kinds       []int
	AmountSats  int64
	Nprofile    string
	Lud16       string
	Picture     *string
	Relays      []string
}

// HeadbuttResult describes the outcome of a single headbutt attempt, used
// for logging and for ProcessHeadbuttingAttempts' return value.
type HeadbuttResult struct {
	Attacker       string
	Victim         string
	AttackerAmount int64
	VictimAmount   int64
	Admitted       bool // false when the attempt failed the threshold check
}

// Engine is the Herd Engine: the single owner of admission, accumulation,
// and headbutt decisions.
type Engine struct {
	db          *database.DB
	herdRepo    *database.HerdRepository
	zapRepo     *database.ProcessedZapRepository
	metricsRepo *database.PaymentMetricsRepository
	sync        *splittarget.Synchronizer
	messages    messaging.Builder
	bus         *broadcast.Bus
	nostrClient *nostr.Adapter

	maxHerdSize     int
	headbuttMinSats int

	mu sync.Mutex // herd_mutex: serializes admission decisions and headbutts

	// distLock additionally serializes admission across coordinator
	// processes sharing one Store. Nil in single-instance deployments and
	// in tests, where the in-process mutex alone is sufficient.
	distLock *cache.Lock

	cooldownMu   sync.Mutex
	lastHeadbutt time.Time

	// headbuttQueueMu/headbuttQueue accumulate candidates rejected for lack
	// of space between drains, so concurrently-arriving rejections are
	// evaluated together in descending-amount order instead of strictly one
	// at a time.
	headbuttQueueMu sync.Mutex
	headbuttQueue   []Candidate
}

// Config configures an Engine.
type Config struct {
	DB              *database.DB
	HerdRepo        *database.HerdRepository
	ZapRepo         *database.ProcessedZapRepository
	MetricsRepo     *database.PaymentMetricsRepository
	Synchronizer    *splittarget.Synchronizer
	Messages        messaging.Builder
	Bus             *broadcast.Bus
	NostrClient     *nostr.Adapter
	MaxHerdSize     int
	HeadbuttMinSats int
	// DistributedLock guards the admission critical section across multiple
	// coordinator processes sharing one Store. Leave nil for a
	// single-instance deployment.
	DistributedLock *cache.Lock
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		db:              cfg.DB,
		herdRepo:        cfg.HerdRepo,
		zapRepo:         cfg.ZapRepo,
		metricsRepo:     cfg.MetricsRepo,
		sync:            cfg.Synchronizer,
		messages:        cfg.Messages,
		bus:             cfg.Bus,
		nostrClient:     cfg.NostrClient,
		maxHerdSize:     cfg.MaxHerdSize,
		headbuttMinSats: cfg.HeadbuttMinSats,
		distLock:        cfg.DistributedLock,
	}
}

// calc computes the payout-share increment contributed by a zap of the
// given size: one percentage point per 10 sats, floored, capped at 1.0.
func calc(sats int64) float64 {
	if sats < 10 {
		return 0
	}
	units := float64(sats / 10)
	payout := units * 0.01
	if payout > 1.0 {
		payout = 1.0
	}
	return math.Round(payout*100) / 100
}

// accumulationIncrement computes the payout increment and resulting unique,
// sorted kind set for an existing member receiving candidateKinds, crediting
// engagement kinds 6/7 only the first time they're seen.
func accumulationIncrement(candidateKinds, currentKinds []int, amountSats int64) (increment float64, unionKinds []int) {
	current := make(map[int]struct{}, len(currentKinds))
	for _, k := range currentKinds {
		current[k] = struct{}{}
	}

	for _, k := range candidateKinds {
		switch k {
		case 9735:
			increment += calc(amountSats)
		case 6:
			if _, seen := current[6]; !seen {
				increment += repostPayoutIncrement
			}
		case 7:
			if _, seen := current[7]; !seen {
				increment += reactionPayoutIncrement
			}
		}
	}

	union := make(map[int]struct{}, len(currentKinds)+len(candidateKinds))
	for _, k := range currentKinds {
		union[k] = struct{}{}
	}
	for _, k := range candidateKinds {
		union[k] = struct{}{}
	}
	unionKinds = make([]int, 0, len(union))
	for k := range union {
		unionKinds = append(unionKinds, k)
	}
	sort.Ints(unionKinds)
	return increment, unionKinds
}

// ProcessCandidate is the single admission/update entry point for a
// prospective or returning herd member. It returns quietly (nil error) on
// any no-op outcome: a duplicate zap, a headbutt that fails the threshold,
// or an already-fresh processing claim held by another worker.
func (e *Engine) ProcessCandidate(ctx context.Context, candidate Candidate, skipDuplicateCheck bool, preloaded *database.HerdMember) error {
	failed := false
	if candidate.Note != "" && !skipDuplicateCheck {
		claimed, err := e.zapRepo.ClaimProcessing(ctx, candidate.Note, candidate.Pubkey, candidate.EventID, candidate.AmountSats)
		if err != nil {
			return fmt.Errorf("herd: claim zap %s: %w", candidate.Note, err)
		}
		if !claimed {
			return nil
		}
		defer func() {
			if failed {
				if err := e.zapRepo.MarkFailed(ctx, candidate.Note); err != nil {
					logger.Error("failed to mark zap failed", zap.String("zap_id", candidate.Note), zap.Error(err))
				}
				return
			}
			if err := e.zapRepo.MarkCompleted(ctx, candidate.Note); err != nil {
				logger.Error("failed to mark zap completed", zap.String("zap_id", candidate.Note), zap.Error(err))
			}
		}()
	}

	admitted, headbuttNeeded, err := e.admitOrAccumulate(ctx, candidate, preloaded)
	if err != nil {
		failed = true
		return err
	}

	if headbuttNeeded {
		batch := e.enqueueForHeadbutt(candidate)
		if _, err := e.ProcessHeadbuttingAttempts(ctx, batch); err != nil {
			failed = true
			return fmt.Errorf("herd: headbutt attempt for %s: %w", candidate.Pubkey, err)
		}
		return nil
	}

	if admitted {
		e.syncSplitsBestEffort(ctx)
	}
	return nil
}

// admitOrAccumulate runs the admission decision table inside a single
// transaction, guarded by the herd mutex. It returns (admitted, needsHeadbutt, err).
func (e *Engine) admitOrAccumulate(ctx context.Context, candidate Candidate, preloaded *database.HerdMember) (admitted bool, needsHeadbutt bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	release, err := e.distLock.Acquire(ctx)
	if err != nil {
		return false, false, fmt.Errorf("acquire distributed admission lock: %w", err)
	}
	defer release()

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return false, false, fmt.Errorf("begin admission transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing := preloaded
	if existing == nil {
		existing, err = e.herdRepo.GetByPubkeyTx(ctx, tx, candidate.Pubkey)
		if err != nil {
			if !errors.Is(err, database.ErrMemberNotFound) {
				return false, false, fmt.Errorf("look up existing member: %w", err)
			}
			existing = nil
			err = nil
		}
	}

	if existing != nil && existing.IsActive {
		if err = e.accumulate(ctx, tx, existing, candidate); err != nil {
			return false, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, false, fmt.Errorf("commit accumulation: %w", err)
		}
		return true, false, nil
	}

	activeCount, err := e.herdRepo.CountActiveTx(ctx, tx)
	if err != nil {
		return false, false, fmt.Errorf("count active members: %w", err)
	}

	if activeCount >= e.maxHerdSize {
		if err = tx.Commit(ctx); err != nil {
			return false, false, fmt.Errorf("commit no-op admission check: %w", err)
		}
		return false, true, nil
	}

	if existing != nil {
		if err = e.accumulate(ctx, tx, existing, candidate); err != nil {
			return false, false, err
		}
	} else {
		payouts := calc(candidate.AmountSats)
		member := &database.HerdMember{
			Pubkey:      candidate.Pubkey,
			DisplayName: candidate.DisplayName,
			Lud16:       candidate.Lud16,
			Nprofile:    candidate.Nprofile,
			Picture:     candidate.Picture,
			Relays:      candidate.Relays,
			EventID:     candidate.EventID,
			Note:        candidate.Note,
			Kinds:       candidate.Kinds,
			Amount:      candidate.AmountSats,
			Payouts:     payouts,
		}
		if err = e.herdRepo.InsertActive(ctx, tx, member); err != nil {
			return false, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("commit admission: %w", err)
	}

	e.notifyCyberHerdWelcome(ctx, candidate)
	return true, false, nil
}

func (e *Engine) accumulate(ctx context.Context, tx pgx.Tx, existing *database.HerdMember, candidate Candidate) error {
	increment, unionKinds := accumulationIncrement(candidate.Kinds, existing.Kinds, candidate.AmountSats)
	newAmount := existing.Amount + candidate.AmountSats
	newPayouts := existing.Payouts + increment
	if newPayouts > 1.0 {
		newPayouts = 1.0
	}
	return e.herdRepo.UpdateAccumulation(ctx, tx, existing.Pubkey, newAmount, newPayouts, unionKinds)
}

// CreditRepost applies the repost engagement bump to an already-active herd
// member. Unlike ProcessCandidate it never admits: a repost from a pubkey
// that is not currently an active member is silently ignored, since the
// repost tracker only reinforces existing standing in the herd.
func (e *Engine) CreditRepost(ctx context.Context, pubkey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("credit repost: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := e.herdRepo.GetByPubkeyTx(ctx, tx, pubkey)
	if err != nil {
		if errors.Is(err, database.ErrMemberNotFound) {
			return nil
		}
		return fmt.Errorf("credit repost: look up member: %w", err)
	}
	if !existing.IsActive {
		return nil
	}

	candidate := Candidate{Pubkey: pubkey, Kinds: []int{6}}
	if err := e.accumulate(ctx, tx, existing, candidate); err != nil {
		return fmt.Errorf("credit repost: accumulate: %w", err)
	}

	return tx.Commit(ctx)
}

// enqueueForHeadbutt adds candidate to the pending headbutt queue and
// returns (and clears) the full queue, so that any candidates rejected for
// lack of space while this one was waiting are drained in the same batch.
func (e *Engine) enqueueForHeadbutt(candidate Candidate) []Candidate {
	e.headbuttQueueMu.Lock()
	defer e.headbuttQueueMu.Unlock()

	e.headbuttQueue = append(e.headbuttQueue, candidate)
	drained := e.headbuttQueue
	e.headbuttQueue = nil
	return drained
}

// ProcessHeadbuttingAttempts evaluates a batch of candidates rejected for
// lack of space, in descending amount order. It is the single headbutt
// entry point: ProcessCandidate calls it with a one-or-more-candidate batch
// drained from the pending queue, and Recovery calls it directly with a
// batch of candidates that overflowed capacity during reconciliation.
func (e *Engine) ProcessHeadbuttingAttempts(ctx context.Context, candidates []Candidate) ([]*HeadbuttResult, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.AmountSats >= int64(e.headbuttMinSats) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].AmountSats > eligible[j].AmountSats })

	var results []*HeadbuttResult
	for _, c := range eligible {
		result, err := e.attemptHeadbutt(ctx, c)
		if err != nil {
			return results, fmt.Errorf("herd: headbutt attempt for %s: %w", c.Pubkey, err)
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results, nil
}

func (e *Engine) inCooldown() bool {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	return time.Since(e.lastHeadbutt) < headbuttCooldown
}

func (e *Engine) setCooldown() {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	e.lastHeadbutt = time.Now()
}

// insertOrReactivate admits member as active, reactivating a previously
// displaced row in place when one already exists for its pubkey rather than
// inserting a second row and tripping the pubkey primary key.
func (e *Engine) insertOrReactivate(ctx context.Context, tx pgx.Tx, member *database.HerdMember) error {
	_, err := e.herdRepo.GetByPubkeyTx(ctx, tx, member.Pubkey)
	switch {
	case errors.Is(err, database.ErrMemberNotFound):
		return e.herdRepo.InsertActive(ctx, tx, member)
	case err != nil:
		return fmt.Errorf("check existing member %s: %w", member.Pubkey, err)
	default:
		return e.herdRepo.ReactivateTx(ctx, tx, member)
	}
}

// attemptHeadbutt runs a single headbutt attempt under the herd mutex. It
// returns (nil, nil) when the attempt is skipped for cooldown, and a result
// with Admitted false when the candidate fails the threshold check — both
// are policy outcomes, not errors.
func (e *Engine) attemptHeadbutt(ctx context.Context, candidate Candidate) (*HeadbuttResult, error) {
	if e.inCooldown() {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	release, err := e.distLock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire distributed admission lock: %w", err)
	}
	defer release()

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin headbutt transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	activeCount, err := e.herdRepo.CountActiveTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("count active members: %w", err)
	}

	if activeCount < e.maxHerdSize {
		payouts := calc(candidate.AmountSats)
		member := &database.HerdMember{
			Pubkey:      candidate.Pubkey,
			DisplayName: candidate.DisplayName,
			Lud16:       candidate.Lud16,
			Nprofile:    candidate.Nprofile,
			Picture:     candidate.Picture,
			Relays:      candidate.Relays,
			EventID:     candidate.EventID,
			Note:        candidate.Note,
			Kinds:       candidate.Kinds,
			Amount:      candidate.AmountSats,
			Payouts:     payouts,
		}
		if err := e.insertOrReactivate(ctx, tx, member); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit free-spot admission: %w", err)
		}
		committed = true
		e.notifyCyberHerdWelcome(ctx, candidate)
		e.syncSplitsBestEffort(ctx)
		return &HeadbuttResult{Attacker: candidate.Pubkey, AttackerAmount: candidate.AmountSats, Admitted: true}, nil
	}

	active, err := e.herdRepo.ListActiveTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	lowest := lowestMember(active)
	if lowest == nil {
		return nil, errors.New("herd: full active herd has no members to displace")
	}

	threshold := lowest.Amount + 1
	if int64(e.headbuttMinSats) > threshold {
		threshold = int64(e.headbuttMinSats)
	}

	if candidate.AmountSats < threshold {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit headbutt-failure no-op: %w", err)
		}
		committed = true
		e.notifyHeadbuttFailure(ctx, candidate, lowest, threshold)
		return &HeadbuttResult{Attacker: candidate.Pubkey, Victim: lowest.Pubkey, AttackerAmount: candidate.AmountSats, VictimAmount: lowest.Amount, Admitted: false}, nil
	}

	if err := e.herdRepo.Deactivate(ctx, tx, lowest.Pubkey); err != nil {
		return nil, fmt.Errorf("deactivate victim %s: %w", lowest.Pubkey, err)
	}

	payouts := calc(candidate.AmountSats)
	member := &database.HerdMember{
		Pubkey:      candidate.Pubkey,
		DisplayName: candidate.DisplayName,
		Lud16:       candidate.Lud16,
		Nprofile:    candidate.Nprofile,
		Picture:     candidate.Picture,
		Relays:      candidate.Relays,
		EventID:     candidate.EventID,
		Note:        candidate.Note,
		Kinds:       candidate.Kinds,
		Amount:      candidate.AmountSats,
		Payouts:     payouts,
	}
	if err := e.insertOrReactivate(ctx, tx, member); err != nil {
		return nil, fmt.Errorf("insert headbutt winner %s: %w", candidate.Pubkey, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit headbutt: %w", err)
	}
	committed = true
	e.setCooldown()

	e.notifyHeadbuttSuccess(ctx, candidate, lowest)
	e.syncSplitsBestEffort(ctx)

	return &HeadbuttResult{Attacker: candidate.Pubkey, Victim: lowest.Pubkey, AttackerAmount: candidate.AmountSats, VictimAmount: lowest.Amount, Admitted: true}, nil
}

func lowestMember(active []*database.HerdMember) *database.HerdMember {
	if len(active) == 0 {
		return nil
	}
	lowest := active[0]
	for _, m := range active[1:] {
		if m.Amount < lowest.Amount || (m.Amount == lowest.Amount && m.Pubkey < lowest.Pubkey) {
			lowest = m
		}
	}
	return lowest
}

// DailyReset clears the herd and resets payment metrics' session_start,
// run once per UTC day.
func (e *Engine) DailyReset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.herdRepo.DeleteAll(ctx); err != nil {
		return fmt.Errorf("herd: daily reset: clear herd: %w", err)
	}
	if err := e.metricsRepo.ResetForNewDay(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("herd: daily reset: reset metrics: %w", err)
	}

	if e.bus != nil && e.messages != nil {
		text, _ := e.messages.DailyReset()
		e.bus.Publish(text)
	}
	logger.Info("daily herd reset complete")
	return nil
}

func (e *Engine) syncSplitsBestEffort(ctx context.Context) {
	if e.sync == nil {
		return
	}
	if err := e.sync.Sync(ctx, false); err != nil {
		logger.Warn("split-target sync failed after herd mutation", zap.Error(err))
	}
}

func (e *Engine) notifyCyberHerdWelcome(ctx context.Context, candidate Candidate) {
	if e.messages == nil || e.bus == nil {
		return
	}
	name := candidate.DisplayName
	if name == "" {
		name = "Anon"
	}
	text, _ := e.messages.CyberHerd(name, calc(candidate.AmountSats), candidate.EventID)
	e.bus.Publish(text)

	if e.nostrClient != nil && candidate.EventID != "" {
		if _, err := e.nostrClient.PublishReply(ctx, candidate.EventID, text, candidate.Relays); err != nil {
			logger.Warn("failed to publish cyberherd welcome reply", zap.String("pubkey", candidate.Pubkey), zap.Error(err))
		}
	}
}

func (e *Engine) notifyHeadbuttFailure(ctx context.Context, attacker Candidate, victim *database.HerdMember, required int64) {
	if e.messages == nil || e.bus == nil {
		return
	}
	attackerName := attacker.DisplayName
	if attackerName == "" {
		attackerName = "Anon"
	}
	text, _ := e.messages.HeadbuttFailure(attackerName, attacker.AmountSats, victim.DisplayName, victim.Amount, required)
	e.bus.Publish(text)
}

func (e *Engine) notifyHeadbuttSuccess(ctx context.Context, attacker Candidate, victim *database.HerdMember) {
	if e.messages == nil || e.bus == nil {
		return
	}
	attackerName := attacker.DisplayName
	if attackerName == "" {
		attackerName = "Anon"
	}
	spotsRemaining := 0
	text, _ := e.messages.HeadbuttSuccess(attackerName, victim.DisplayName, spotsRemaining)
	e.bus.Publish(text)

	if e.nostrClient != nil && attacker.EventID != "" {
		if _, err := e.nostrClient.PublishReply(ctx, attacker.EventID, text, attacker.Relays); err != nil {
			logger.Warn("failed to publish headbutt success reply", zap.String("pubkey", attacker.Pubkey), zap.Error(err))
		}
	}
}
