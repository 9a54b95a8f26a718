// Package zappipeline ingests payment notifications from the Zap-feed
// WebSocket, classifies them as zaps or generic payments, and feeds the
// herd engine's admission path through an internal Redis Streams queue.
package zappipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cyberherd/internal/broadcast"
	"cyberherd/internal/database"
	"cyberherd/internal/feeder"
	"cyberherd/internal/herd"
	"cyberherd/internal/messaging"
	"cyberherd/internal/nostr"
	"cyberherd/internal/splittarget"
	"cyberherd/internal/wallet"
	"cyberherd/pkg/logger"
	streams "cyberherd/pkg/queue"

	"go.uber.org/zap"
)

const (
	cyberherdStream = "cyberherd_zaps"
	cyberherdGroup  = "zap-pipeline"

	dedupCapacity       = 1000
	payoutTimeout       = 10 * time.Second
	payoutDelay         = 500 * time.Millisecond
	concurrentPayments  = 2
	cyberherdTagCacheTTL = 24 * time.Hour
)

// Payment is the inbound payment record carried by one Zap-feed WebSocket frame.
type Payment struct {
	PaymentHash string          `json:"payment_hash"`
	AmountMsat  int64           `json:"amount"`
	Description string          `json:"description,omitempty"`
	Extra       PaymentExtra    `json:"extra,omitempty"`
}

// PaymentExtra carries the optional embedded zap request.
type PaymentExtra struct {
	Nostr json.RawMessage `json:"nostr,omitempty"`
}

// Notification is one Zap-feed WebSocket frame.
type Notification struct {
	Payment       Payment `json:"payment"`
	WalletBalance *int64  `json:"wallet_balance,omitempty"`
}

// zapRequestPayload is the subset of a Nostr kind-9734 zap request this
// pipeline needs: who is zapping, and which note they're zapping.
type zapRequestPayload struct {
	ID      string     `json:"id,omitempty"`
	Pubkey  string     `json:"pubkey"`
	Kind    int        `json:"kind"`
	Tags    [][]string `json:"tags"`
	Content string     `json:"content"`
}

func (z *zapRequestPayload) tag(key string) string {
	for _, t := range z.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// ExtractZapRequest locates the embedded zap request in a payment, per
// either a parsed zap receipt's "description" tag (kind 9735) or a direct
// extra.nostr zap request (kind 9734), given either as a JSON object or as a
// string holding one. Returns (nil, "", nil) when the payment carries no zap.
func ExtractZapRequest(p Payment) (*zapRequestPayload, string, error) {
	if p.Description != "" {
		var receipt struct {
			ID   string     `json:"id"`
			Kind int        `json:"kind"`
			Tags [][]string `json:"tags"`
		}
		if err := json.Unmarshal([]byte(p.Description), &receipt); err == nil && receipt.Kind == 9735 {
			for _, t := range receipt.Tags {
				if len(t) >= 2 && t[0] == "description" {
					var req zapRequestPayload
					if err := json.Unmarshal([]byte(t[1]), &req); err != nil {
						return nil, "", fmt.Errorf("zappipeline: decode embedded zap request: %w", err)
					}
					if req.Kind != 9734 {
						return nil, "", nil
					}
					return &req, receipt.ID, nil
				}
			}
		}
	}

	if len(p.Extra.Nostr) > 0 {
		raw := []byte(p.Extra.Nostr)
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			raw = []byte(asString)
		}
		var req zapRequestPayload
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, "", fmt.Errorf("zappipeline: decode extra.nostr zap request: %w", err)
		}
		if req.Kind != 9734 {
			return nil, "", nil
		}
		return &req, "", nil
	}

	return nil, "", nil
}

// cyberherdTask is the message shape published to the internal Redis
// Streams queue for the cyberherd background task.
type cyberherdTask struct {
	ZapRequestJSON json.RawMessage `json:"zap_request"`
	ReceiptID      string          `json:"receipt_id"`
	PaymentHash    string          `json:"payment_hash"`
	AmountSats     int64           `json:"amount_sats"`
}

// AppState holds the coordinator's mutable in-memory wallet balance.
type AppState struct {
	mu      sync.Mutex
	balance int64
}

// NewAppState creates an AppState seeded with an initial balance, typically
// read from the wallet at recovery startup.
func NewAppState(initial int64) *AppState {
	return &AppState{balance: initial}
}

// Set overwrites the balance.
func (s *AppState) Set(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = v
}

// Add increments the balance by delta (may be negative).
func (s *AppState) Add(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += delta
}

// Balance reads the current balance.
func (s *AppState) Balance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// dedupSet is a process-local, bounded, FIFO-evicting set of recently seen
// payment hashes, filtering duplicate deliveries before dispatch.
type dedupSet struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{seen: make(map[string]struct{}, capacity), capacity: capacity}
}

// seenBefore reports whether key was already recorded, recording it if not.
func (d *dedupSet) seenBefore(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}

// Pipeline is the Zap Pipeline: WebSocket-payment classification, balance
// tracking, feeder-trigger evaluation, and the cyberherd background task.
type Pipeline struct {
	state *AppState

	herdEngine  *herd.Engine
	herdRepo    *database.HerdRepository
	zapRepo     *database.ProcessedZapRepository
	cacheRepo   *database.CacheRepository
	metricsRepo *database.PaymentMetricsRepository

	feederClient *feeder.Adapter
	walletClient *wallet.Adapter
	nostrClient  *nostr.Adapter
	sync         *splittarget.Synchronizer
	messages     messaging.Builder
	bus          *broadcast.Bus

	queue    *streams.StreamQueue
	consumer string

	triggerAmountSats int64

	dedup      *dedupSet
	paymentSem chan struct{}
}

// Config configures a Pipeline.
type Config struct {
	State             *AppState
	HerdEngine        *herd.Engine
	HerdRepo          *database.HerdRepository
	ZapRepo           *database.ProcessedZapRepository
	CacheRepo         *database.CacheRepository
	MetricsRepo       *database.PaymentMetricsRepository
	FeederClient      *feeder.Adapter
	WalletClient      *wallet.Adapter
	NostrClient       *nostr.Adapter
	Synchronizer      *splittarget.Synchronizer
	Messages          messaging.Builder
	Bus               *broadcast.Bus
	Queue             *streams.StreamQueue
	ConsumerName      string
	TriggerAmountSats int64
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		state:             cfg.State,
		herdEngine:        cfg.HerdEngine,
		herdRepo:          cfg.HerdRepo,
		zapRepo:           cfg.ZapRepo,
		cacheRepo:         cfg.CacheRepo,
		metricsRepo:       cfg.MetricsRepo,
		feederClient:      cfg.FeederClient,
		walletClient:      cfg.WalletClient,
		nostrClient:       cfg.NostrClient,
		sync:              cfg.Synchronizer,
		messages:          cfg.Messages,
		bus:               cfg.Bus,
		queue:             cfg.Queue,
		consumer:          cfg.ConsumerName,
		triggerAmountSats: cfg.TriggerAmountSats,
		dedup:             newDedupSet(dedupCapacity),
		paymentSem:        make(chan struct{}, concurrentPayments),
	}
}

// DeclareQueue ensures the cyberherd task stream and consumer group exist.
func (p *Pipeline) DeclareQueue(ctx context.Context) error {
	return p.queue.DeclareStream(ctx, cyberherdStream, cyberherdGroup)
}

// Handle processes one Zap-feed WebSocket frame. A failure here is logged
// and must never block subsequent frames.
func (p *Pipeline) Handle(ctx context.Context, raw []byte) {
	select {
	case p.paymentSem <- struct{}{}:
		defer func() { <-p.paymentSem }()
	case <-ctx.Done():
		return
	}

	var notification Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		logger.Warn("zappipeline: malformed payment notification", zap.Error(err))
		return
	}

	if notification.Payment.PaymentHash != "" && p.dedup.seenBefore(notification.Payment.PaymentHash) {
		return
	}

	if err := p.handlePayment(ctx, notification); err != nil {
		logger.Error("zappipeline: failed to process payment", zap.String("payment_hash", notification.Payment.PaymentHash), zap.Error(err))
	}
}

func (p *Pipeline) handlePayment(ctx context.Context, n Notification) error {
	receivedSats := n.Payment.AmountMsat / 1000

	if n.WalletBalance != nil && *n.WalletBalance >= 0 {
		p.state.Set(*n.WalletBalance)
	} else {
		p.state.Add(receivedSats)
	}

	zapRequest, receiptID, err := ExtractZapRequest(n.Payment)
	if err != nil {
		logger.Warn("zappipeline: failed to extract zap request", zap.Error(err))
		zapRequest = nil
	}

	triggered, err := p.checkAndTriggerFeeder(ctx, receivedSats)
	if err != nil {
		logger.Error("zappipeline: feeder check failed", zap.Error(err))
	}

	if zapRequest != nil {
		task := cyberherdTask{ReceiptID: receiptID, PaymentHash: n.Payment.PaymentHash, AmountSats: receivedSats}
		payload, err := json.Marshal(zapRequest)
		if err != nil {
			return fmt.Errorf("encode cyberherd task: %w", err)
		}
		task.ZapRequestJSON = payload

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("encode cyberherd task envelope: %w", err)
		}
		if _, err := p.queue.Publish(ctx, cyberherdStream, data); err != nil {
			return fmt.Errorf("publish cyberherd task: %w", err)
		}
		return nil
	}

	if receivedSats >= 10 && !triggered {
		p.publishSatsReceived(receivedSats)
	}
	return nil
}

func (p *Pipeline) checkAndTriggerFeeder(ctx context.Context, receivedSats int64) (bool, error) {
	if receivedSats <= 0 {
		return false, nil
	}
	overrideOn, err := p.feederClient.OverrideActive(ctx)
	if err != nil {
		return false, fmt.Errorf("check feeder override: %w", err)
	}
	if overrideOn {
		return false, nil
	}
	if p.state.Balance() < p.triggerAmountSats {
		return false, nil
	}

	if err := p.feederClient.Trigger(ctx); err != nil {
		return false, fmt.Errorf("trigger feeder: %w", err)
	}

	balance := p.state.Balance()
	go p.runPayout(context.Background(), balance)
	return true, nil
}

func (p *Pipeline) runPayout(ctx context.Context, balance int64) {
	ctx, cancel := context.WithTimeout(ctx, payoutTimeout)
	defer cancel()

	if err := p.sync.Sync(ctx, true); err != nil {
		logger.Error("zappipeline: force split-target sync before payout failed", zap.Error(err))
	}

	if err := p.walletClient.SelfPayout(ctx, balance, "cyberherd feeder trigger payout", payoutDelay); err != nil {
		logger.Error("zappipeline: payout failed, balance left untouched", zap.Int64("balance", balance), zap.Error(err))
		if mErr := p.metricsRepo.IncrementFailedPayments(ctx); mErr != nil {
			logger.Error("zappipeline: failed to record failed payment metric", zap.Error(mErr))
		}
		return
	}

	p.state.Set(0)
	if err := p.metricsRepo.IncrementFeederTriggers(ctx); err != nil {
		logger.Error("zappipeline: failed to increment feeder trigger metric", zap.Error(err))
	}
	p.publishFeederTriggered(balance)
}

func (p *Pipeline) publishSatsReceived(sats int64) {
	if p.messages == nil || p.bus == nil {
		return
	}
	difference := p.triggerAmountSats - p.state.Balance()
	if difference < 0 {
		difference = 0
	}
	text, _ := p.messages.SatsReceived(sats, difference)
	p.bus.Publish(text)
}

func (p *Pipeline) publishFeederTriggered(amount int64) {
	if p.messages == nil || p.bus == nil {
		return
	}
	text, _ := p.messages.FeederTriggered(amount)
	p.bus.Publish(text)
}

// RunCyberherdWorker consumes the cyberherd task stream until ctx is
// cancelled, processing each task through ProcessTask.
func (p *Pipeline) RunCyberherdWorker(ctx context.Context) error {
	return p.queue.Consume(ctx, cyberherdStream, cyberherdGroup, p.consumer, func(messageID string, data []byte) error {
		var task cyberherdTask
		if err := json.Unmarshal(data, &task); err != nil {
			logger.Error("zappipeline: malformed cyberherd task, dropping", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		var zapRequest zapRequestPayload
		if err := json.Unmarshal(task.ZapRequestJSON, &zapRequest); err != nil {
			logger.Error("zappipeline: malformed zap request in task, dropping", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		return p.ProcessTask(ctx, task, &zapRequest, false)
	})
}

// ProcessTask runs the cyberherd background task described in the ingest
// pipeline: admissibility, metadata resolution, and handoff to the herd
// engine. It is also the entry point recovery uses to replay missed zaps.
func (p *Pipeline) ProcessTask(ctx context.Context, task cyberherdTask, zapRequest *zapRequestPayload, skipDuplicateCheck bool) error {
	pubkey := zapRequest.Pubkey
	eventID := zapRequest.tag("e")
	if pubkey == "" || eventID == "" {
		logger.Warn("zappipeline: cyberherd task missing pubkey or event tag, dropping")
		return nil
	}

	note := task.ReceiptID
	if note == "" {
		note = "payment:" + task.PaymentHash
	}

	admissible, err := p.isAdmissible(ctx, pubkey, eventID)
	if err != nil {
		return fmt.Errorf("zappipeline: admissibility check for %s: %w", pubkey, err)
	}

	if !admissible {
		if task.AmountSats >= 10 {
			p.publishSatsReceived(task.AmountSats)
		}
		return nil
	}

	existing, err := p.herdRepo.GetByPubkey(ctx, pubkey)
	if err != nil {
		if !errors.Is(err, database.ErrMemberNotFound) {
			return fmt.Errorf("zappipeline: look up existing member %s: %w", pubkey, err)
		}
		existing = nil
	}

	candidate := herd.Candidate{
		Pubkey:     pubkey,
		EventID:    eventID,
		Note:       note,
		Kinds:      []int{9735},
		AmountSats: task.AmountSats,
	}

	if existing != nil {
		candidate.DisplayName = existing.DisplayName
		candidate.Lud16 = existing.Lud16
		candidate.Nprofile = existing.Nprofile
		candidate.Picture = existing.Picture
		candidate.Relays = existing.Relays
	} else {
		metadata, err := p.nostrClient.LookupMetadata(ctx, pubkey, nil)
		if err != nil {
			logger.Warn("zappipeline: no metadata found, rejecting candidate", zap.String("pubkey", pubkey), zap.Error(err))
			return nil
		}
		if metadata.Lud16 == "" {
			logger.Warn("zappipeline: candidate has no lud16, rejecting", zap.String("pubkey", pubkey))
			return nil
		}
		relays, err := p.nostrClient.LookupRelayList(ctx, pubkey, nil)
		if err != nil {
			logger.Warn("zappipeline: relay list lookup failed", zap.String("pubkey", pubkey), zap.Error(err))
		}
		nprofile, err := nostr.GenerateNprofile(pubkey, relays)
		if err != nil {
			logger.Warn("zappipeline: nprofile encoding failed", zap.String("pubkey", pubkey), zap.Error(err))
		}

		candidate.DisplayName = metadata.DisplayName
		candidate.Lud16 = metadata.Lud16
		candidate.Nprofile = nprofile
		picture := metadata.Picture
		if picture != "" {
			candidate.Picture = &picture
		}
		candidate.Relays = relays
	}

	return p.herdEngine.ProcessCandidate(ctx, candidate, skipDuplicateCheck, existing)
}

// ReplayZapReceipt reprocesses a zap receipt discovered during recovery. It
// synthesizes the same payment shape live traffic would have produced and
// runs it through ProcessTask with the duplicate guard still engaged, so a
// receipt already marked completed is a safe no-op.
func (p *Pipeline) ReplayZapReceipt(ctx context.Context, receiptJSON []byte, amountSats int64) error {
	receiptPayment := Payment{Description: string(receiptJSON)}
	zapRequest, receiptID, err := ExtractZapRequest(receiptPayment)
	if err != nil {
		return fmt.Errorf("zappipeline: replay: extract zap request: %w", err)
	}
	if zapRequest == nil {
		return nil
	}

	task := cyberherdTask{ReceiptID: receiptID, AmountSats: amountSats}
	return p.ProcessTask(ctx, task, zapRequest, false)
}

func (p *Pipeline) isAdmissible(ctx context.Context, pubkey, eventID string) (bool, error) {
	cacheKey := "cyberherd_tag:" + eventID
	if cached, err := p.cacheRepo.Get(ctx, cacheKey); err == nil {
		if cached == "1" {
			return true, nil
		}
	} else if !errors.Is(err, database.ErrCacheMiss) {
		return false, fmt.Errorf("read cyberherd tag cache: %w", err)
	} else {
		tagged, err := p.nostrClient.CheckCyberHerdTag(ctx, eventID, nil)
		if err != nil {
			return false, fmt.Errorf("check cyberherd tag: %w", err)
		}
		value := "0"
		if tagged {
			value = "1"
		}
		if err := p.cacheRepo.Set(ctx, cacheKey, value, cyberherdTagCacheTTL); err != nil {
			logger.Warn("zappipeline: failed to cache cyberherd tag result", zap.String("event_id", eventID), zap.Error(err))
		}
		if tagged {
			return true, nil
		}
	}

	member, err := p.herdRepo.GetByPubkey(ctx, pubkey)
	if err != nil {
		if errors.Is(err, database.ErrMemberNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up member for admissibility: %w", err)
	}
	return member.IsActive, nil
}
