// Package weight scores interests by recency and frequency.
//
// Recency decays exponentially with a 30-day half-life, frequency grows
// logarithmically with the occurrence count. The result is clamped to
// [Floor, Ceiling] so a long-forgotten interest never disappears entirely.
package weight

import (
	"math"
	"time"
)

const (
	// HalfLifeDays is the recency half-life
	HalfLifeDays = 30.0

	Floor   = 0.1
	Ceiling = 1.0

	// DefaultDecayFactor is applied to stale interests by the periodic decay
	DefaultDecayFactor = 0.95

	// StaleAfter is how long an interest may go unseen before it decays
	StaleAfter = 7 * 24 * time.Hour
)

// Compute returns the weight of an interest seen occurrenceCount times,
// most recently at lastSeen.
func Compute(occurrenceCount int, lastSeen, now time.Time) float64 {
	if occurrenceCount < 1 {
		occurrenceCount = 1
	}

	days := now.Sub(lastSeen).Hours() / 24
	if days < 0 {
		days = 0
	}

	recency := math.Pow(0.5, days/HalfLifeDays)
	frequency := 1 + math.Log10(float64(occurrenceCount))

	return Clamp(round2(0.5 * recency * frequency))
}

// Decay applies one decay step to w, never dropping below Floor.
func Decay(w, factor float64) float64 {
	return Clamp(round2(w * factor))
}

// Clamp bounds w to [Floor, Ceiling]
func Clamp(w float64) float64 {
	return math.Max(Floor, math.Min(Ceiling, w))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
