package splittarget

import (
	"testing"

	"cyberherd/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTargetsNoMembersIsFallbackOnly(t *testing.T) {
	targets := BuildTargets(nil, "fallback@getalby.com", "CyberHerd")
	require.Len(t, targets, 1)
	assert.Equal(t, "fallback@getalby.com", targets[0].Wallet)
	assert.Equal(t, 100, targets[0].Percent)
}

func TestBuildTargetsSplitsNinetyTen(t *testing.T) {
	members := []*database.HerdMember{
		{Pubkey: "a", Lud16: "a@x.com", DisplayName: "A", Payouts: 0.05},
	}
	targets := BuildTargets(members, "fallback@getalby.com", "CyberHerd")
	require.Len(t, targets, 2)
	assert.Equal(t, 90, targets[0].Percent)
	assert.Equal(t, 10, targets[1].Percent)

	total := 0
	for _, tg := range targets {
		total += tg.Percent
	}
	assert.Equal(t, 100, total)
}

func TestBuildTargetsDistributesProportionally(t *testing.T) {
	members := []*database.HerdMember{
		{Pubkey: "a", Lud16: "a@x.com", DisplayName: "A", Payouts: 0.8},
		{Pubkey: "b", Lud16: "b@x.com", DisplayName: "B", Payouts: 0.2},
	}
	targets := BuildTargets(members, "fallback@getalby.com", "CyberHerd")
	require.Len(t, targets, 3)

	total := 0
	for _, tg := range targets {
		total += tg.Percent
		assert.GreaterOrEqual(t, tg.Percent, 1)
	}
	assert.Equal(t, 100, total)

	// Member A has a larger payout share and must receive at least as much
	// as member B.
	var aPercent, bPercent int
	for _, tg := range targets {
		switch tg.Wallet {
		case "a@x.com":
			aPercent = tg.Percent
		case "b@x.com":
			bPercent = tg.Percent
		}
	}
	assert.GreaterOrEqual(t, aPercent, bPercent)
}

func TestBuildTargetsCapsAtTenMembersByPayoutsDescending(t *testing.T) {
	members := make([]*database.HerdMember, 0, 15)
	for i := 0; i < 15; i++ {
		members = append(members, &database.HerdMember{
			Pubkey:      string(rune('a' + i)),
			Lud16:       string(rune('a'+i)) + "@x.com",
			DisplayName: string(rune('a' + i)),
			Payouts:     float64(i) / 100,
		})
	}
	targets := BuildTargets(members, "fallback@getalby.com", "CyberHerd")
	// fallback + at most 10 members
	assert.LessOrEqual(t, len(targets), 11)

	total := 0
	for _, tg := range targets {
		total += tg.Percent
	}
	assert.Equal(t, 100, total)
}

func TestBuildTargetsLeftoverGoesToHighestPayouts(t *testing.T) {
	members := []*database.HerdMember{
		{Pubkey: "a", Lud16: "a@x.com", DisplayName: "A", Payouts: 1.0},
		{Pubkey: "b", Lud16: "b@x.com", DisplayName: "B", Payouts: 1.0},
		{Pubkey: "c", Lud16: "c@x.com", DisplayName: "C", Payouts: 1.0},
	}
	targets := BuildTargets(members, "fallback@getalby.com", "CyberHerd")
	total := 0
	for _, tg := range targets {
		total += tg.Percent
		assert.GreaterOrEqual(t, tg.Percent, 1)
	}
	assert.Equal(t, 100, total)
}
