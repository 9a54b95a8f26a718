// Package messaging selects human-facing notification text by event type.
// It models the dynamic dispatch the original system achieved by indexing
// into a dict of string templates: here it is a Builder interface with one
// method per event-type tag, each picking a random variation and formatting
// it with the event's details.
package messaging

import (
	"fmt"
	"math/rand"
)

// Builder generates the text body for every notification the coordinator
// publishes, returning the rendered text and an opaque id (the event id of
// a published Nostr note, when applicable) so callers can record it on the
// HerdMember.Notified field.
type Builder interface {
	SatsReceived(newAmount, difference int64) (text, id string)
	FeederTriggered(newAmount int64) (text, id string)
	CyberHerd(name string, difference float64, eventID string) (text, id string)
	HeadbuttFailure(attackerName string, attackerAmount int64, victimName string, victimAmount int64, required int64) (text, id string)
	HeadbuttSuccess(attackerName string, victimName string, spotsRemaining int) (text, id string)
	InterfaceInfo() (text, id string)
	WeatherStatus(summary string) (text, id string)
	DailyReset() (text, id string)
	FeedingRegular(newAmount int64) (text, id string)
	FeedingBonus(newAmount int64) (text, id string)
	FeedingRemainder(newAmount int64) (text, id string)
	FeedingFallback(newAmount int64, reason string) (text, id string)
}

// TemplateBuilder implements Builder with plain Go format strings, picked at
// random from each event type's variation list, the same texture as the
// original's randomized dict-of-templates approach.
type TemplateBuilder struct {
	rng *rand.Rand
}

// NewTemplateBuilder creates a Builder seeded from a caller-supplied source,
// so tests can inject a deterministic one.
func NewTemplateBuilder(rng *rand.Rand) *TemplateBuilder {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &TemplateBuilder{rng: rng}
}

func (b *TemplateBuilder) pick(variations []string) string {
	return variations[b.rng.Intn(len(variations))]
}

var satsReceivedVariations = []string{
	"Just received %d sats! The goats are %d sats away from a feeding.",
	"%d sats landed in the jar. %d more sats until the goats get fed.",
	"Ka-ching, %d sats! Only %d sats left before dinner is served.",
}

func (b *TemplateBuilder) SatsReceived(newAmount, difference int64) (string, string) {
	return fmt.Sprintf(b.pick(satsReceivedVariations), newAmount, difference), ""
}

var feederTriggeredVariations = []string{
	"The feeder just triggered! %d sats well spent.",
	"Dinner is served — %d sats triggered the feeder.",
	"Feeding time! The balance of %d sats crossed the line.",
}

func (b *TemplateBuilder) FeederTriggered(newAmount int64) (string, string) {
	return fmt.Sprintf(b.pick(feederTriggeredVariations), newAmount), ""
}

var cyberHerdVariations = []string{
	"%s just joined the CyberHerd, contributing a %.2f share!",
	"Welcome %s to the CyberHerd — %.2f share and counting.",
	"%s has entered the herd with a %.2f payout share.",
}

func (b *TemplateBuilder) CyberHerd(name string, difference float64, eventID string) (string, string) {
	return fmt.Sprintf(b.pick(cyberHerdVariations), name, difference), eventID
}

var headbuttFailureVariations = []string{
	"%s tried to headbutt %s (%d sats) but needed at least %d sats.",
	"Headbutt from %s fell short of %s — %d sats isn't enough, needed %d.",
}

func (b *TemplateBuilder) HeadbuttFailure(attackerName string, attackerAmount int64, victimName string, victimAmount int64, required int64) (string, string) {
	return fmt.Sprintf(b.pick(headbuttFailureVariations), attackerName, victimName, attackerAmount, required), ""
}

var headbuttSuccessVariations = []string{
	"%s headbutted %s out of the CyberHerd! %d spots remain.",
	"%s took %s's place in the herd. %d spots left.",
}

func (b *TemplateBuilder) HeadbuttSuccess(attackerName string, victimName string, spotsRemaining int) (string, string) {
	return fmt.Sprintf(b.pick(headbuttSuccessVariations), attackerName, victimName, spotsRemaining), ""
}

func (b *TemplateBuilder) InterfaceInfo() (string, string) {
	return "CyberHerd is online and listening for zaps.", ""
}

func (b *TemplateBuilder) WeatherStatus(summary string) (string, string) {
	return fmt.Sprintf("Weather at the pasture: %s", summary), ""
}

func (b *TemplateBuilder) DailyReset() (string, string) {
	return "A new day has begun — the CyberHerd has been reset.", ""
}

var feedingRegularVariations = []string{
	"Regular feeding dispensed at %d sats.",
}

func (b *TemplateBuilder) FeedingRegular(newAmount int64) (string, string) {
	return fmt.Sprintf(b.pick(feedingRegularVariations), newAmount), ""
}

var feedingBonusVariations = []string{
	"Bonus feeding dispensed at %d sats!",
}

func (b *TemplateBuilder) FeedingBonus(newAmount int64) (string, string) {
	return fmt.Sprintf(b.pick(feedingBonusVariations), newAmount), ""
}

var feedingRemainderVariations = []string{
	"Remainder feeding dispensed at %d sats.",
}

func (b *TemplateBuilder) FeedingRemainder(newAmount int64) (string, string) {
	return fmt.Sprintf(b.pick(feedingRemainderVariations), newAmount), ""
}

func (b *TemplateBuilder) FeedingFallback(newAmount int64, reason string) (string, string) {
	return fmt.Sprintf("Fallback feeding of %d sats (%s).", newAmount, reason), ""
}
