package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) *int { return &d }

// 2025-03-10 is a Monday
func at(dayOfMonth, hour int) time.Time {
	return time.Date(2025, 3, dayOfMonth, hour, 0, 0, 0, time.UTC)
}

func ids(due []Due) []string {
	var out []string
	for _, d := range due {
		out = append(out, d.User.ID)
	}
	return out
}

func TestSelectDue_WeeklyUTC(t *testing.T) {
	users := []domain.DeliveryUser{
		{ID: "weekly", Timezone: "UTC", Frequency: domain.FrequencyWeekly, DayOfWeek: day(1), TimeOfDay: "07:00"},
	}

	due, skipped := SelectDue(users, at(10, 7))
	assert.Empty(t, skipped)
	require.Len(t, due, 1)
	assert.Equal(t, domain.FrequencyWeekly, due[0].Frequency)

	due, _ = SelectDue(users, at(10, 8))
	assert.Empty(t, due, "monday 08:00")

	due, _ = SelectDue(users, at(11, 7))
	assert.Empty(t, due, "tuesday 07:00")
}

func TestSelectDue_DailyIgnoresDayOfWeek(t *testing.T) {
	users := []domain.DeliveryUser{
		{ID: "daily", Timezone: "UTC", Frequency: domain.FrequencyDaily, DayOfWeek: day(1), TimeOfDay: "07:30"},
	}

	for d := 10; d <= 16; d++ {
		due, _ := SelectDue(users, at(d, 7))
		assert.Equal(t, []string{"daily"}, ids(due), "day %d", d)
	}

	due, _ := SelectDue(users, at(10, 6))
	assert.Empty(t, due)
}

func TestSelectDue_UsesLocalTime(t *testing.T) {
	users := []domain.DeliveryUser{
		// Monday 09:00 in New York is 13:00 UTC (EDT from 2025-03-09)
		{ID: "ny", Timezone: "America/New_York", Frequency: domain.FrequencyWeekly, DayOfWeek: day(1), TimeOfDay: "09:00"},
		// Tuesday 00:00 in Tokyo is Monday 15:00 UTC
		{ID: "tokyo", Timezone: "Asia/Tokyo", Frequency: domain.FrequencyWeekly, DayOfWeek: day(2), TimeOfDay: "00:00"},
	}

	due, _ := SelectDue(users, at(10, 13))
	assert.Equal(t, []string{"ny"}, ids(due))
	assert.Equal(t, 9, due[0].LocalTime.Hour())

	due, _ = SelectDue(users, at(10, 15))
	assert.Equal(t, []string{"tokyo"}, ids(due))
}

func TestSelectDue_SkipsBadSettings(t *testing.T) {
	users := []domain.DeliveryUser{
		{ID: "bad-tz", Timezone: "Mars/Olympus", Frequency: domain.FrequencyDaily, TimeOfDay: "07:00"},
		{ID: "bad-time", Timezone: "UTC", Frequency: domain.FrequencyDaily, TimeOfDay: "7am"},
		{ID: "no-day", Timezone: "UTC", Frequency: domain.FrequencyWeekly, TimeOfDay: "07:00"},
		{ID: "ok", Timezone: "UTC", Frequency: domain.FrequencyDaily, TimeOfDay: "07:00"},
		{ID: "off", Timezone: "UTC", Frequency: domain.FrequencyNone, TimeOfDay: "07:00"},
		{ID: "never", Timezone: "UTC", Frequency: "never", TimeOfDay: "07:00"},
	}

	due, skipped := SelectDue(users, at(10, 7))
	assert.Equal(t, []string{"ok"}, ids(due))

	var skippedIDs []string
	for _, s := range skipped {
		skippedIDs = append(skippedIDs, s.UserID)
	}
	assert.Equal(t, []string{"bad-tz", "bad-time", "no-day"}, skippedIDs)
}

func TestParseHour(t *testing.T) {
	h, err := parseHour("23:59")
	require.NoError(t, err)
	assert.Equal(t, 23, h)

	for _, bad := range []string{"", "24:00", "12", "12:60", "aa:00"} {
		_, err := parseHour(bad)
		assert.Error(t, err, bad)
	}
}

func TestUsersForDeliveryNow(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, domain.DeliveryUser{ID: "a", Timezone: "UTC", Frequency: domain.FrequencyDaily, TimeOfDay: "07:00"}))
	require.NoError(t, s.UpsertUser(ctx, domain.DeliveryUser{ID: "b", Timezone: "UTC", Frequency: domain.FrequencyWeekly, DayOfWeek: day(2), TimeOfDay: "07:00"}))
	require.NoError(t, s.UpsertUser(ctx, domain.DeliveryUser{ID: "c", Timezone: "UTC", Frequency: domain.FrequencyNone, TimeOfDay: "07:00"}))

	due, err := NewScheduler(s).UsersForDeliveryNow(ctx, at(10, 7))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(due))
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	due := []Due{
		{User: domain.DeliveryUser{ID: "a"}},
		{User: domain.DeliveryUser{ID: "boom"}},
		{User: domain.DeliveryUser{ID: "c"}},
	}

	var mu sync.Mutex
	var seen []string
	stats := Dispatch(context.Background(), due, DeliverFunc(func(_ context.Context, d Due) error {
		mu.Lock()
		seen = append(seen, d.User.ID)
		mu.Unlock()
		if d.User.ID == "boom" {
			return errors.New("channel down")
		}
		return nil
	}), 2)

	assert.Equal(t, Stats{Delivered: 2, Failed: 1}, stats)
	assert.ElementsMatch(t, []string{"a", "boom", "c"}, seen)
}

func TestDispatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := Dispatch(ctx, []Due{{User: domain.DeliveryUser{ID: "a"}}}, DeliverFunc(func(context.Context, Due) error {
		t.Error("should not deliver")
		return nil
	}), 1)

	assert.Equal(t, Stats{Abandoned: 1}, stats)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(domain.DeliveryUser{ID: "a", Timezone: "Europe/Paris", Frequency: domain.FrequencyWeekly, DayOfWeek: day(0), TimeOfDay: "18:30"}))
	assert.NoError(t, Validate(domain.DeliveryUser{ID: "b", Frequency: domain.FrequencyNone}))

	assert.Error(t, Validate(domain.DeliveryUser{ID: "c", Frequency: domain.FrequencyDaily, TimeOfDay: "07:00"}))
	assert.Error(t, Validate(domain.DeliveryUser{ID: "d", Timezone: "UTC", Frequency: domain.FrequencyWeekly, DayOfWeek: day(7), TimeOfDay: "07:00"}))
}
