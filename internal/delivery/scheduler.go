// Package delivery decides which users get a digest on a given tick.
//
// It only picks who and when. Rendering and sending belong to the
// Deliverer the caller supplies.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
)

// Due is a user selected for delivery on this tick
type Due struct {
	User      domain.DeliveryUser `json:"user"`
	Frequency domain.Frequency    `json:"frequency"`
	LocalTime time.Time           `json:"local_time"`
}

// Skipped is a user whose settings could not be evaluated
type Skipped struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// SelectDue returns the users whose local hour matches their configured
// delivery hour at now, and for weekly users whose local weekday matches
// too. It has no side effects. Users with unusable settings are reported
// in the skip list instead of failing the whole selection.
func SelectDue(users []domain.DeliveryUser, now time.Time) ([]Due, []Skipped) {
	var due []Due
	var skipped []Skipped

	for _, u := range users {
		freq := domain.ParseFrequency(string(u.Frequency))
		if freq == domain.FrequencyNone {
			continue
		}

		loc, hour, err := resolve(u, freq)
		if err != nil {
			skipped = append(skipped, Skipped{UserID: u.ID, Reason: err.Error()})
			continue
		}

		local := now.In(loc)
		if local.Hour() != hour {
			continue
		}
		if freq == domain.FrequencyWeekly && int(local.Weekday()) != *u.DayOfWeek {
			continue
		}

		due = append(due, Due{User: u, Frequency: freq, LocalTime: local})
	}

	return due, skipped
}

// Validate reports whether a user's delivery settings can be scheduled
func Validate(u domain.DeliveryUser) error {
	freq := domain.ParseFrequency(string(u.Frequency))
	if freq == domain.FrequencyNone {
		return nil
	}
	_, _, err := resolve(u, freq)
	return err
}

// resolve loads the user's timezone and delivery hour
func resolve(u domain.DeliveryUser, freq domain.Frequency) (*time.Location, int, error) {
	if u.Timezone == "" {
		return nil, 0, errors.New("timezone is empty")
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return nil, 0, fmt.Errorf("unknown timezone %q", u.Timezone)
	}

	hour, err := parseHour(u.TimeOfDay)
	if err != nil {
		return nil, 0, err
	}

	if freq == domain.FrequencyWeekly && (u.DayOfWeek == nil || *u.DayOfWeek < 0 || *u.DayOfWeek > 6) {
		return nil, 0, errors.New("weekly cadence without a valid day_of_week")
	}
	return loc, hour, nil
}

// parseHour reads the hour of an "HH:MM" string
func parseHour(hhmm string) (int, error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("time_of_day %q must be HH:MM", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time_of_day %q: invalid hour", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time_of_day %q: invalid minute", hhmm)
	}
	return h, nil
}

// UserLister is the slice of the store the scheduler needs
type UserLister interface {
	ListDeliveryUsers(ctx context.Context) ([]domain.DeliveryUser, error)
}

// Scheduler reads delivery settings and selects due users
type Scheduler struct {
	store UserLister
}

// NewScheduler creates a Scheduler
func NewScheduler(s UserLister) *Scheduler {
	return &Scheduler{store: s}
}

// UsersForDeliveryNow scans every user once and returns the due worklist.
// Skipped users are logged.
func (s *Scheduler) UsersForDeliveryNow(ctx context.Context, now time.Time) ([]Due, error) {
	users, err := s.store.ListDeliveryUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list delivery users: %w", err)
	}

	due, skipped := SelectDue(users, now)
	for _, sk := range skipped {
		logging.Warn("Delivery settings unusable", "user", sk.UserID, "stage", "schedule", "err", sk.Reason)
	}
	return due, nil
}
