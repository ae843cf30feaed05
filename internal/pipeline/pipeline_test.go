package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pbaille/kbpulse/internal/completion"
	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/merge"
	"github.com/pbaille/kbpulse/internal/signals"
	"github.com/pbaille/kbpulse/internal/store"
	"github.com/pbaille/kbpulse/internal/trends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday
var now = time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)

// completerFunc lets each test script the completion service
type completerFunc func(prompt string) (completion.Result, error)

func (f completerFunc) Complete(_ context.Context, prompt string) (completion.Result, error) {
	return f(prompt)
}

type recordingDeliverer struct {
	mu    sync.Mutex
	users []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, due delivery.Due) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, due.User.ID)
	if due.User.ID == "fails" {
		return errors.New("channel down")
	}
	return nil
}

func newRunner(t *testing.T, c completion.Completer) (*Runner, *store.Store, *recordingDeliverer) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := &recordingDeliverer{}
	r := New(s, Components{
		Detector:  signals.NewDetector(s, signals.DefaultOptions()),
		Narrator:  trends.NewNarrator(c),
		Trends:    trends.NewService(s, 0),
		Advisor:   merge.NewAdvisor(c),
		Executor:  merge.NewExecutor(s),
		Scheduler: delivery.NewScheduler(s),
		Deliverer: d,
	}, Options{
		Concurrency:   2,
		DecayFactor:   0.95,
		MergeMinItems: 1,
		SampleTitles:  3,
	})
	r.now = func() time.Time { return now }
	return r, s, d
}

// busyContainer files n recent captures into a new container
func busyContainer(t *testing.T, s *store.Store, userID, id, name string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateContainer(ctx, &domain.Container{ID: id, UserID: userID, Name: name}))
	for i := 0; i < n; i++ {
		at := now.AddDate(0, 0, -i)
		item := &domain.Item{UserID: userID, URL: "https://example.com", Title: name + " link", CapturedAt: at}
		require.NoError(t, s.AddItem(ctx, item))
		require.NoError(t, s.AddToContainer(ctx, id, item.ID, at))
	}
}

func TestRunTrends_PersistsAndIsolatesFailures(t *testing.T) {
	c := completerFunc(func(prompt string) (completion.Result, error) {
		if strings.Contains(prompt, "Broken topic") {
			return completion.Result{}, errors.New("overloaded")
		}
		return completion.Result{
			Text: `{"trends": [{"trend_type": "velocity", "title": "Go tooling burst", "description": "d", "strength": 0.8}]}`,
			Cost: 0.01,
		}, nil
	})
	r, s, _ := newRunner(t, c)
	ctx := context.Background()

	busyContainer(t, s, "u1", "c1", "Go tooling", 4)
	busyContainer(t, s, "u2", "c2", "Broken topic", 4)
	busyContainer(t, s, "u3", "c3", "Quiet", 1)

	require.NoError(t, s.UpsertTrend(ctx, &domain.Trend{
		UserID: "u1", TrendType: "emergence", Title: "stale",
		DetectedAt: now.AddDate(0, 0, -40), ExpiresAt: now.AddDate(0, 0, -10),
	}))

	rep, err := r.RunTrends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Users)
	assert.Equal(t, 2, rep.Signals)
	assert.Equal(t, 1, rep.Trends)
	assert.Equal(t, int64(1), rep.Swept)
	assert.InDelta(t, 0.01, rep.Cost, 1e-9)

	got, err := s.ListTrends(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Go tooling burst", got[0].Title)

	got, err = s.ListTrends(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, got)

	// a second tick updates in place
	_, err = r.RunTrends(ctx)
	require.NoError(t, err)
	got, err = s.ListTrends(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRunTrends_WithoutCompletion(t *testing.T) {
	r, s, _ := newRunner(t, nil)
	busyContainer(t, s, "u1", "c1", "Go tooling", 4)

	rep, err := r.RunTrends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Signals)
	assert.Zero(t, rep.Trends)
}

func TestRunMerges(t *testing.T) {
	c := completerFunc(func(prompt string) (completion.Result, error) {
		return completion.Result{Text: `{"merges": [
			{"source": "go", "target": "golang", "reason": "same language"},
			{"source": "ghost", "target": "golang", "reason": "made up"},
			{"source": "golang", "target": "go", "reason": "reverse"}
		]}`, Cost: 0.02}, nil
	})
	r, s, _ := newRunner(t, c)
	ctx := context.Background()

	busyContainer(t, s, "u1", "golang", "golang", 3)
	busyContainer(t, s, "u1", "go", "go", 2)

	before, err := s.ListContainers(ctx, "u1")
	require.NoError(t, err)

	rep, err := r.RunMerges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Suggested)
	assert.Equal(t, 1, rep.Executed)
	assert.Equal(t, 2, rep.ItemsMoved)

	after, err := s.ListContainers(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, after, len(before)-1)

	target, err := s.GetContainer(ctx, "golang")
	require.NoError(t, err)
	assert.Equal(t, 5, target.ItemCount)
}

func TestRunDelivery(t *testing.T) {
	r, s, d := newRunner(t, nil)
	ctx := context.Background()

	for _, u := range []domain.DeliveryUser{
		{ID: "ok", Timezone: "UTC", Frequency: domain.FrequencyDaily, TimeOfDay: "07:00"},
		{ID: "fails", Timezone: "UTC", Frequency: domain.FrequencyDaily, TimeOfDay: "07:00"},
		{ID: "later", Timezone: "UTC", Frequency: domain.FrequencyDaily, TimeOfDay: "18:00"},
	} {
		require.NoError(t, s.UpsertUser(ctx, u))
	}

	stats, err := r.RunDelivery(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.Stats{Delivered: 1, Failed: 1}, stats)
	assert.ElementsMatch(t, []string{"ok", "fails"}, d.users)
}

func TestRunMaintenance(t *testing.T) {
	r, s, _ := newRunner(t, nil)
	ctx := context.Background()

	_, err := s.RecordInterest(ctx, "u1", domain.InterestTool, "sqlite", now.AddDate(0, 0, -10))
	require.NoError(t, err)
	_, err = s.RecordInterest(ctx, "u1", domain.InterestTool, "redis", now)
	require.NoError(t, err)
	require.NoError(t, s.UpsertTrend(ctx, &domain.Trend{
		UserID: "u1", TrendType: "velocity", Title: "old",
		DetectedAt: now.AddDate(0, 0, -31), ExpiresAt: now.AddDate(0, 0, -1),
	}))

	rep := r.RunMaintenance(ctx)
	assert.Equal(t, MaintenanceReport{Decayed: 1, Swept: 1}, rep)
}
