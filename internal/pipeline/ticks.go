package pipeline

import (
	"context"
	"fmt"

	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/logging"
)

// TrendReport summarizes a trend tick
type TrendReport struct {
	Users   int
	Signals int
	Trends  int
	Failed  int
	Swept   int64
	Cost    float64
}

// RunTrends detects, narrates and persists trends for every user, then
// sweeps expired trends once.
func (r *Runner) RunTrends(ctx context.Context) (TrendReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RunBudget)
	defer cancel()

	now := r.now()
	users, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return TrendReport{}, fmt.Errorf("list users: %w", err)
	}

	rep := TrendReport{Users: len(users)}
	var t tally

	r.forEachUser(ctx, users, func(ctx context.Context, userID string) {
		sigs := r.detector.Detect(ctx, userID, now)
		if len(sigs) == 0 {
			return
		}

		n, err := r.narrator.Narrate(ctx, sigs)
		if err != nil {
			logging.Warn("Narration failed", "user", userID, "stage", "narrate", "err", err)
			t.add(func() { rep.Signals += len(sigs); rep.Failed++ })
			return
		}
		if n == nil {
			t.add(func() { rep.Signals += len(sigs) })
			return
		}

		written, err := r.trends.Persist(ctx, userID, n, sigs, now)
		if err != nil {
			logging.Warn("Trend upsert failed", "user", userID, "stage", "upsert", "err", err)
		}
		t.add(func() {
			rep.Signals += len(sigs)
			rep.Trends += written
			rep.Cost += n.Cost
			if err != nil {
				rep.Failed++
			}
		})
	})

	sweepCtx, sweepCancel := maintenanceContext(ctx)
	defer sweepCancel()
	rep.Swept = r.trends.Sweep(sweepCtx, now)

	logging.Info("Trend tick done",
		"users", rep.Users, "signals", rep.Signals, "trends", rep.Trends,
		"failed", rep.Failed, "swept", rep.Swept, "cost", fmt.Sprintf("$%.4f", rep.Cost))
	return rep, nil
}

// MergeReport summarizes a merge tick
type MergeReport struct {
	Users      int
	Suggested  int
	Executed   int
	Failed     int
	ItemsMoved int
	Cost       float64
}

// RunMerges asks for merge suggestions per user and executes the valid
// ones in order.
func (r *Runner) RunMerges(ctx context.Context) (MergeReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RunBudget)
	defer cancel()

	users, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return MergeReport{}, fmt.Errorf("list users: %w", err)
	}

	rep := MergeReport{Users: len(users)}
	var t tally

	r.forEachUser(ctx, users, func(ctx context.Context, userID string) {
		candidates, err := r.store.MergeCandidates(ctx, userID, r.opts.MergeMinItems, r.opts.SampleTitles, r.opts.MaxCandidates)
		if err != nil {
			logging.Warn("Merge candidates unavailable", "user", userID, "stage", "candidates", "err", err)
			return
		}

		advice, err := r.advisor.SuggestMerges(ctx, candidates)
		if err != nil {
			logging.Warn("Merge suggestion failed", "user", userID, "stage", "suggest", "err", err)
			return
		}
		if advice == nil {
			return
		}

		executed, failed, moved := 0, 0, 0
		merged := make(map[string]bool)
		for _, s := range advice.Merges {
			// a container already folded away cannot take part again
			if merged[s.Source] || merged[s.Target] {
				continue
			}
			res := r.executor.Execute(ctx, userID, s)
			if !res.Success {
				failed++
				continue
			}
			merged[s.Source] = true
			executed++
			moved += res.ItemsMoved
		}

		t.add(func() {
			rep.Suggested += len(advice.Merges)
			rep.Executed += executed
			rep.Failed += failed
			rep.ItemsMoved += moved
			rep.Cost += advice.Cost
		})
	})

	logging.Info("Merge tick done",
		"users", rep.Users, "suggested", rep.Suggested, "executed", rep.Executed,
		"failed", rep.Failed, "moved", rep.ItemsMoved, "cost", fmt.Sprintf("$%.4f", rep.Cost))
	return rep, nil
}

// RunDelivery selects the users due now and hands them to the deliverer
func (r *Runner) RunDelivery(ctx context.Context) (delivery.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RunBudget)
	defer cancel()

	due, err := r.scheduler.UsersForDeliveryNow(ctx, r.now())
	if err != nil {
		return delivery.Stats{}, err
	}

	stats := delivery.Dispatch(ctx, due, r.deliverer, r.opts.Concurrency)
	logging.Info("Delivery tick done",
		"due", len(due), "delivered", stats.Delivered, "failed", stats.Failed, "abandoned", stats.Abandoned)
	return stats, nil
}

// MaintenanceReport summarizes a maintenance tick
type MaintenanceReport struct {
	Decayed int64
	Swept   int64
}

// RunMaintenance decays stale interest weights and sweeps expired trends.
// Each step logs its own failure and the other still runs.
func (r *Runner) RunMaintenance(ctx context.Context) MaintenanceReport {
	ctx, cancel := maintenanceContext(ctx)
	defer cancel()

	now := r.now()
	var rep MaintenanceReport

	decayed, err := r.store.DecayStaleInterests(ctx, r.opts.DecayFactor, now)
	if err != nil {
		logging.Error("Weight decay failed", "stage", "decay", "err", err)
	} else {
		rep.Decayed = decayed
	}

	rep.Swept = r.trends.Sweep(ctx, now)

	logging.Info("Maintenance done", "decayed", rep.Decayed, "swept", rep.Swept)
	return rep
}
