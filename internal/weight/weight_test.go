package weight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompute_FreshSingleOccurrence(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, 0.5, Compute(1, now, now), 1e-9)
}

func TestCompute_HalfLife(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// one half-life halves the fresh weight
	assert.InDelta(t, 0.25, Compute(1, now.AddDate(0, 0, -30), now), 1e-9)
	// two half-lives: 0.125 rounds to 0.13
	assert.InDelta(t, 0.13, Compute(1, now.AddDate(0, 0, -60), now), 1e-9)
}

func TestCompute_FrequencyBoost(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// 10 occurrences: frequency = 2, weight = 1.0
	assert.InDelta(t, 1.0, Compute(10, now, now), 1e-9)
	// 1000 occurrences: frequency = 4, capped at 1.0
	assert.InDelta(t, 1.0, Compute(1000, now, now), 1e-9)
	// 3 occurrences: 0.5 * (1 + log10(3)) = 0.7386 -> 0.74
	assert.InDelta(t, 0.74, Compute(3, now, now), 1e-9)
}

func TestCompute_Floor(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, Floor, Compute(1, now.AddDate(-2, 0, 0), now), 1e-9)
}

func TestCompute_AlwaysWithinBounds(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, count := range []int{1, 2, 5, 17, 250, 100000} {
		for _, age := range []time.Duration{0, time.Hour, 72 * time.Hour, 90 * 24 * time.Hour, 5 * 365 * 24 * time.Hour} {
			w := Compute(count, now.Add(-age), now)
			assert.GreaterOrEqual(t, w, Floor, "count=%d age=%s", count, age)
			assert.LessOrEqual(t, w, Ceiling, "count=%d age=%s", count, age)
		}
	}
}

func TestCompute_FutureLastSeenTreatedAsNow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, 0.5, Compute(1, now.Add(time.Hour), now), 1e-9)
}

func TestDecay(t *testing.T) {
	assert.InDelta(t, 0.95, Decay(1.0, DefaultDecayFactor), 1e-9)
	assert.InDelta(t, 0.57, Decay(0.6, DefaultDecayFactor), 1e-9)
	assert.InDelta(t, Floor, Decay(0.1, DefaultDecayFactor), 1e-9)
}
