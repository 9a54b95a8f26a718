// Package nostr adapts github.com/nbd-wtf/go-nostr's relay pool into the
// four logical calls the herd engine needs: profile metadata, relay lists,
// CyberHerd tag checks, and publishing signed replies.
package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cyberherd/pkg/logger"
	"cyberherd/pkg/retry"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
)

// CyberHerdTag is the "t" tag value that marks a note as accepting herd
// zaps, checked case-insensitively per the admissibility rule.
const CyberHerdTag = "CyberHerd"

var (
	// ErrNoMetadata is returned when a pubkey has no discoverable kind-0 event.
	ErrNoMetadata = errors.New("nostr: no metadata event found")
	// ErrMissingLud16 is returned when a profile has no usable lightning address.
	ErrMissingLud16 = errors.New("nostr: profile has no lud16")
)

// Metadata is the subset of a kind-0 profile event the herd engine consumes.
type Metadata struct {
	DisplayName string
	Lud16       string
	Nip05       string
	Picture     string
}

// Adapter wraps a relay pool and this node's identity.
type Adapter struct {
	pool          *nostr.SimplePool
	defaultRelays []string
	selfPubkey    string
	selfSecretKey string

	queryTimeout   time.Duration
	publishTimeout time.Duration
}

// Config configures an Adapter.
type Config struct {
	DefaultRelays  []string
	SelfPubkeyHex  string
	SelfSecretHex  string
	QueryTimeout   time.Duration
	PublishTimeout time.Duration
}

// New creates an Adapter backed by a fresh SimplePool.
func New(ctx context.Context, cfg Config) *Adapter {
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 8 * time.Second
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 15 * time.Second
	}
	return &Adapter{
		pool:           nostr.NewSimplePool(ctx),
		defaultRelays:  cfg.DefaultRelays,
		selfPubkey:     cfg.SelfPubkeyHex,
		selfSecretKey:  cfg.SelfSecretHex,
		queryTimeout:   queryTimeout,
		publishTimeout: publishTimeout,
	}
}

func (a *Adapter) relaysOrDefault(relays []string) []string {
	if len(relays) > 0 {
		return relays
	}
	return a.defaultRelays
}

// errNoEventsYet is an internal retry signal: the relay fetch returned
// nothing on this attempt, which is indistinguishable from a dropped
// connection, so the caller gets a bounded number of extra tries before the
// empty result is treated as final.
var errNoEventsYet = errors.New("nostr: no events received on this attempt")

// LookupMetadata fetches a pubkey's most recent kind-0 profile event,
// retrying transient empty fetches with backoff.
func (a *Adapter) LookupMetadata(ctx context.Context, pubkey string, relays []string) (*Metadata, error) {
	filter := nostr.Filter{Kinds: []int{0}, Authors: []string{pubkey}, Limit: 1}
	var latest *nostr.Event
	err := retry.Do(ctx, func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
		defer cancel()
		latest = nil
		for ev := range a.pool.FetchMany(fetchCtx, a.relaysOrDefault(relays), filter) {
			if latest == nil || ev.CreatedAt > latest.CreatedAt {
				e := ev.Event
				latest = &e
			}
		}
		if latest == nil {
			return errNoEventsYet
		}
		return nil
	})
	if err != nil || latest == nil {
		return nil, fmt.Errorf("lookup metadata for %s: %w", pubkey, ErrNoMetadata)
	}

	var profile struct {
		Name    string `json:"name"`
		Display string `json:"display_name"`
		Lud16   string `json:"lud16"`
		Nip05   string `json:"nip05"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal([]byte(latest.Content), &profile); err != nil {
		return nil, fmt.Errorf("lookup metadata for %s: decode profile: %w", pubkey, err)
	}

	displayName := profile.Display
	if displayName == "" {
		displayName = profile.Name
	}
	if displayName == "" {
		displayName = "Anon"
	}

	return &Metadata{
		DisplayName: displayName,
		Lud16:       strings.ToLower(strings.TrimSpace(profile.Lud16)),
		Nip05:       profile.Nip05,
		Picture:     profile.Picture,
	}, nil
}

// LookupRelayList fetches a pubkey's kind-10002 relay list, returning only
// ws/wss URLs. A persistently empty fetch is a valid "no relay list"
// answer, not an error, once retries are exhausted.
func (a *Adapter) LookupRelayList(ctx context.Context, pubkey string, relays []string) ([]string, error) {
	filter := nostr.Filter{Kinds: []int{10002}, Authors: []string{pubkey}, Limit: 1}
	var latest *nostr.Event
	_ = retry.Do(ctx, func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
		defer cancel()
		latest = nil
		for ev := range a.pool.FetchMany(fetchCtx, a.relaysOrDefault(relays), filter) {
			if latest == nil || ev.CreatedAt > latest.CreatedAt {
				e := ev.Event
				latest = &e
			}
		}
		if latest == nil {
			return errNoEventsYet
		}
		return nil
	})
	if latest == nil {
		return nil, nil
	}
	return extractRelayURLs(latest.Tags), nil
}

func extractRelayURLs(tags nostr.Tags) []string {
	var out []string
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := tag[1]
		if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
			out = append(out, url)
		}
	}
	return out
}

// CheckCyberHerdTag reports whether eventID carries a "t" tag matching
// CyberHerdTag, case-insensitively.
func (a *Adapter) CheckCyberHerdTag(ctx context.Context, eventID string, relays []string) (bool, error) {
	filter := nostr.Filter{IDs: []string{eventID}, Limit: 1}
	var found bool
	var tagged bool
	_ = retry.Do(ctx, func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
		defer cancel()
		found, tagged = false, false
		for ev := range a.pool.FetchMany(fetchCtx, a.relaysOrDefault(relays), filter) {
			found = true
			for _, tag := range ev.Tags {
				if len(tag) >= 2 && tag[0] == "t" && strings.EqualFold(tag[1], CyberHerdTag) {
					tagged = true
				}
			}
			break
		}
		if !found {
			return errNoEventsYet
		}
		return nil
	})
	return tagged, nil
}

// PublishReply signs and publishes a kind-1 text event replying to eventID,
// tagged with the CyberHerd marker, returning the published event.
func (a *Adapter) PublishReply(ctx context.Context, eventID, content string, relays []string) (*nostr.Event, error) {
	if a.selfSecretKey == "" {
		return nil, errors.New("nostr: no self secret key configured")
	}

	ev := nostr.Event{
		PubKey:    a.selfPubkey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindTextNote,
		Tags: nostr.Tags{
			{"e", eventID},
			{"t", CyberHerdTag},
		},
		Content: content,
	}
	if err := ev.Sign(a.selfSecretKey); err != nil {
		return nil, fmt.Errorf("nostr: sign reply: %w", err)
	}

	targets := a.relaysOrDefault(relays)
	err := retry.Do(ctx, func() error {
		publishCtx, cancel := context.WithTimeout(ctx, a.publishTimeout)
		defer cancel()

		var succeeded int
		for res := range a.pool.PublishMany(publishCtx, targets, ev) {
			if res.Error != nil {
				logger.Warn("failed to publish to relay, retrying", zap.String("relay", res.RelayURL), zap.Error(res.Error))
				continue
			}
			succeeded++
		}
		if succeeded == 0 && len(targets) > 0 {
			return fmt.Errorf("nostr: publish reply %s: all relays failed", eventID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListSelfCyberHerdNotes fetches up to limit kind-1 notes authored by this
// node's own identity, tagged CyberHerd, published since since. Used by
// recovery to find today's herd-tagged notes.
func (a *Adapter) ListSelfCyberHerdNotes(ctx context.Context, since time.Time, limit int) ([]*nostr.Event, error) {
	sinceTs := nostr.Timestamp(since.Unix())
	filter := nostr.Filter{
		Kinds:   []int{nostr.KindTextNote},
		Authors: []string{a.selfPubkey},
		Since:   &sinceTs,
		Tags:    nostr.TagMap{"t": []string{CyberHerdTag}},
		Limit:   limit,
	}

	var notes []*nostr.Event
	_ = retry.Do(ctx, func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
		defer cancel()
		notes = nil
		for ev := range a.pool.FetchMany(fetchCtx, a.relaysOrDefault(nil), filter) {
			e := ev.Event
			notes = append(notes, &e)
			if len(notes) >= limit {
				break
			}
		}
		if len(notes) == 0 {
			return errNoEventsYet
		}
		return nil
	})
	return notes, nil
}

// ListEventsReferencing fetches up to limit events of the given kinds that
// carry an "e" tag referencing eventID. Used by recovery to find zap
// receipts replying to a herd-tagged note.
func (a *Adapter) ListEventsReferencing(ctx context.Context, eventID string, kinds []int, limit int) ([]*nostr.Event, error) {
	filter := nostr.Filter{
		Kinds: kinds,
		Tags:  nostr.TagMap{"e": []string{eventID}},
		Limit: limit,
	}

	var events []*nostr.Event
	_ = retry.Do(ctx, func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
		defer cancel()
		events = nil
		for ev := range a.pool.FetchMany(fetchCtx, a.relaysOrDefault(nil), filter) {
			e := ev.Event
			events = append(events, &e)
			if len(events) >= limit {
				break
			}
		}
		if len(events) == 0 {
			return errNoEventsYet
		}
		return nil
	})
	return events, nil
}

// GenerateNprofile encodes pubkey and a short relay hint list as a Bech32
// nprofile reference.
func GenerateNprofile(pubkey string, relays []string) (string, error) {
	hint := relays
	if len(hint) > 2 {
		hint = hint[:2]
	}
	profile, err := nip19.EncodeProfile(pubkey, hint)
	if err != nil {
		return "", fmt.Errorf("nostr: encode nprofile: %w", err)
	}
	return profile, nil
}
