package nostr

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRelayURLs(t *testing.T) {
	tags := nostr.Tags{
		{"r", "wss://relay.primal.net/"},
		{"r", "ws://localhost:7777", "read"},
		{"r", "https://not-a-relay.example"},
		{"p", "ignored"},
	}

	got := extractRelayURLs(tags)
	assert.Equal(t, []string{"wss://relay.primal.net/", "ws://localhost:7777"}, got)
}

func TestExtractRelayURLsEmpty(t *testing.T) {
	assert.Nil(t, extractRelayURLs(nostr.Tags{}))
}

func TestGenerateNprofile(t *testing.T) {
	pubkey := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459"
	relays := []string{"wss://relay.damus.io/", "wss://relay.primal.net/"}

	profile, err := GenerateNprofile(pubkey, relays)
	require.NoError(t, err)
	assert.Contains(t, profile, "nprofile1")
}

func TestGenerateNprofileTruncatesRelayHints(t *testing.T) {
	pubkey := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459"
	relays := []string{"wss://a", "wss://b", "wss://c", "wss://d"}

	profile, err := GenerateNprofile(pubkey, relays)
	require.NoError(t, err)
	assert.NotEmpty(t, profile)

	firstTwo, err := GenerateNprofile(pubkey, relays[:2])
	require.NoError(t, err)
	assert.Equal(t, firstTwo, profile)
}
