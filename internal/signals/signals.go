// Package signals detects behavioral trend signals from stored aggregates.
//
// Three detectors run independently per user:
//
//	velocity     a container received many new captures recently
//	emergence    a newly seen interest was already reinforced
//	convergence  two containers keep receiving the same new items
//
// Signals are computed fresh on every run and never stored directly.
package signals

import (
	"context"
	"time"

	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
	"github.com/pbaille/kbpulse/internal/store"
)

// Kind identifies the detector that produced a signal
type Kind string

const (
	KindVelocity    Kind = "velocity"
	KindEmergence   Kind = "emergence"
	KindConvergence Kind = "convergence"
)

// Velocity reports a container with a burst of recent captures
type Velocity struct {
	ContainerID   string `json:"containerId"`
	ContainerName string `json:"containerName"`
	ItemCount14d  int    `json:"itemCount14d"`
}

// Emergence reports a recently appeared, already reinforced interest
type Emergence struct {
	InterestType    string    `json:"interestType"`
	Value           string    `json:"value"`
	OccurrenceCount int       `json:"occurrenceCount"`
	FirstSeen       time.Time `json:"firstSeen"`
}

// Convergence reports two containers sharing recent items
type Convergence struct {
	ContainerA  store.ContainerRef `json:"containerA"`
	ContainerB  store.ContainerRef `json:"containerB"`
	SharedItems int                `json:"sharedItems"`
}

// Signal is a tagged union: exactly one payload matches Kind
type Signal struct {
	Kind        Kind         `json:"kind"`
	Velocity    *Velocity    `json:"velocity,omitempty"`
	Emergence   *Emergence   `json:"emergence,omitempty"`
	Convergence *Convergence `json:"convergence,omitempty"`
}

// Reader is the slice of the store the detectors need
type Reader interface {
	ContainerActivity(ctx context.Context, userID string, since, until time.Time) ([]store.ContainerActivity, error)
	RecentInterests(ctx context.Context, userID string, since time.Time) ([]domain.Interest, error)
	ContainerOverlaps(ctx context.Context, userID string, since, until time.Time) ([]store.ContainerOverlap, error)
}

// Options tunes the detectors
type Options struct {
	Window               time.Duration
	VelocityMinItems     int
	EmergenceMinCount    int
	ConvergenceMinShared int
}

// DefaultOptions returns the standard 14-day thresholds
func DefaultOptions() Options {
	return Options{
		Window:               14 * 24 * time.Hour,
		VelocityMinItems:     3,
		EmergenceMinCount:    2,
		ConvergenceMinShared: 2,
	}
}

// Detector runs the three detectors against a Reader
type Detector struct {
	reader Reader
	opts   Options
}

// NewDetector creates a Detector
func NewDetector(r Reader, opts Options) *Detector {
	return &Detector{reader: r, opts: opts}
}

// Velocity returns containers with at least VelocityMinItems items
// captured inside the window.
func (d *Detector) Velocity(ctx context.Context, userID string, now time.Time) ([]Signal, error) {
	activity, err := d.reader.ContainerActivity(ctx, userID, now.Add(-d.opts.Window), now)
	if err != nil {
		return nil, err
	}

	var out []Signal
	for _, a := range activity {
		if a.Items < d.opts.VelocityMinItems {
			continue
		}
		out = append(out, Signal{Kind: KindVelocity, Velocity: &Velocity{
			ContainerID:   a.ContainerID,
			ContainerName: a.ContainerName,
			ItemCount14d:  a.Items,
		}})
	}
	return out, nil
}

// Emergence returns interests first seen inside the window that were
// already seen at least EmergenceMinCount times.
func (d *Detector) Emergence(ctx context.Context, userID string, now time.Time) ([]Signal, error) {
	since := now.Add(-d.opts.Window)
	interests, err := d.reader.RecentInterests(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	var out []Signal
	for _, in := range interests {
		if in.FirstSeen.Before(since) || in.OccurrenceCount < d.opts.EmergenceMinCount {
			continue
		}
		out = append(out, Signal{Kind: KindEmergence, Emergence: &Emergence{
			InterestType:    string(in.Type),
			Value:           in.Value,
			OccurrenceCount: in.OccurrenceCount,
			FirstSeen:       in.FirstSeen,
		}})
	}
	return out, nil
}

// Convergence returns container pairs sharing at least
// ConvergenceMinShared items captured inside the window. Each pair is
// reported once, lower container ID first.
func (d *Detector) Convergence(ctx context.Context, userID string, now time.Time) ([]Signal, error) {
	overlaps, err := d.reader.ContainerOverlaps(ctx, userID, now.Add(-d.opts.Window), now)
	if err != nil {
		return nil, err
	}

	seen := make(map[[2]string]bool)
	var out []Signal
	for _, o := range overlaps {
		a, b := o.A, o.B
		if b.ID < a.ID {
			a, b = b, a
		}
		key := [2]string{a.ID, b.ID}
		if a.ID == b.ID || seen[key] || o.Shared < d.opts.ConvergenceMinShared {
			continue
		}
		seen[key] = true
		out = append(out, Signal{Kind: KindConvergence, Convergence: &Convergence{
			ContainerA:  a,
			ContainerB:  b,
			SharedItems: o.Shared,
		}})
	}
	return out, nil
}

// Detect runs all detectors and concatenates their signals. A failing
// detector is logged and contributes nothing.
func (d *Detector) Detect(ctx context.Context, userID string, now time.Time) []Signal {
	detectors := []struct {
		kind Kind
		fn   func(context.Context, string, time.Time) ([]Signal, error)
	}{
		{KindVelocity, d.Velocity},
		{KindEmergence, d.Emergence},
		{KindConvergence, d.Convergence},
	}

	var all []Signal
	for _, det := range detectors {
		found, err := det.fn(ctx, userID, now)
		if err != nil {
			logging.Warn("Signal detector failed", "user", userID, "stage", string(det.kind), "err", err)
			continue
		}
		all = append(all, found...)
	}
	return all
}
