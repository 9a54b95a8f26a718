package zappipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractZapRequestFromDescriptionReceipt(t *testing.T) {
	zapRequestJSON := `{"id":"req-1","pubkey":"abc","kind":9734,"tags":[["e","note-1"],["amount","1000"]],"content":""}`
	receipt := map[string]any{
		"id":   "receipt-1",
		"kind": 9735,
		"tags": [][]string{{"description", zapRequestJSON}},
	}
	descriptionBytes, err := json.Marshal(receipt)
	require.NoError(t, err)

	payment := Payment{Description: string(descriptionBytes)}
	req, receiptID, err := ExtractZapRequest(payment)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "abc", req.Pubkey)
	assert.Equal(t, "note-1", req.tag("e"))
	assert.Equal(t, "receipt-1", receiptID)
}

func TestExtractZapRequestFromExtraNostr(t *testing.T) {
	payment := Payment{
		Extra: PaymentExtra{Nostr: json.RawMessage(`{"pubkey":"xyz","kind":9734,"tags":[["e","note-2"]]}`)},
	}
	req, receiptID, err := ExtractZapRequest(payment)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "xyz", req.Pubkey)
	assert.Equal(t, "note-2", req.tag("e"))
	assert.Empty(t, receiptID)
}

func TestExtractZapRequestAbsentIsNoError(t *testing.T) {
	payment := Payment{Description: "", Extra: PaymentExtra{}}
	req, _, err := ExtractZapRequest(payment)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestExtractZapRequestWrongKindIsIgnored(t *testing.T) {
	payment := Payment{Extra: PaymentExtra{Nostr: json.RawMessage(`{"pubkey":"xyz","kind":1}`)}}
	req, _, err := ExtractZapRequest(payment)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestAppStateSetAndAdd(t *testing.T) {
	state := NewAppState(100)
	assert.Equal(t, int64(100), state.Balance())

	state.Add(50)
	assert.Equal(t, int64(150), state.Balance())

	state.Set(0)
	assert.Equal(t, int64(0), state.Balance())
}

func TestDedupSetFiltersRepeats(t *testing.T) {
	d := newDedupSet(2)
	assert.False(t, d.seenBefore("a"))
	assert.True(t, d.seenBefore("a"))
}

func TestDedupSetEvictsOldestBeyondCapacity(t *testing.T) {
	d := newDedupSet(2)
	d.seenBefore("a")
	d.seenBefore("b")
	d.seenBefore("c") // evicts "a"

	assert.False(t, d.seenBefore("a"), "a should have been evicted and is treated as new again")
	assert.True(t, d.seenBefore("c"), "c was inserted after a's eviction and must still be recorded")
}
