package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pbaille/kbpulse/internal/completion"
	"github.com/pbaille/kbpulse/internal/config"
	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
	"github.com/pbaille/kbpulse/internal/merge"
	"github.com/pbaille/kbpulse/internal/pipeline"
	"github.com/pbaille/kbpulse/internal/signals"
	"github.com/pbaille/kbpulse/internal/store"
	"github.com/pbaille/kbpulse/internal/trends"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "kbpulse",
		Short:        "Trend detection, container merges and digest scheduling for kb",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(trendsCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(maintainCmd())
	rootCmd.AddCommand(dueCmd())
	rootCmd.AddCommand(interestsCmd())
	rootCmd.AddCommand(observeCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a command needs, built from the config
type app struct {
	cfg    *config.Config
	store  *store.Store
	logOut io.Closer
}

func (a *app) Close() {
	a.store.Close()
	if a.logOut != nil {
		a.logOut.Close()
	}
}

func loadApp() (*app, error) {
	cfg, err := config.LoadOrCreateAt(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	a := &app{cfg: cfg}

	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		path, err := config.ExpandPath(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, a.logOut = f, f
	}
	if err := logging.Init(w, cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a.store, err = getStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func getStore(path string) (*store.Store, error) {
	path, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return store.New(path)
}

// completer returns nil when no API key is configured, which turns
// narration and merge suggestions off.
func (a *app) completer() completion.Completer {
	c := a.cfg.Completion
	client, err := completion.New(completion.Options{
		APIKey:            c.APIKey,
		Model:             c.Model,
		MaxTokens:         c.MaxTokens,
		Timeout:           time.Duration(c.TimeoutSeconds) * time.Second,
		RequestsPerMinute: c.RequestsPerMinute,
		InputCostPerMTok:  c.InputCostPerMTok,
		OutputCostPerMTok: c.OutputCostPerMTok,
	})
	if errors.Is(err, completion.ErrNotConfigured) {
		logging.Info("Completion service not configured, narration and merge suggestions are off")
		return nil
	}
	if err != nil {
		logging.Error("Completion client unavailable", "err", err)
		return nil
	}
	return client
}

func (a *app) runner() *pipeline.Runner {
	cfg := a.cfg
	c := a.completer()

	detector := signals.NewDetector(a.store, signals.Options{
		Window:               time.Duration(cfg.Signals.WindowDays) * 24 * time.Hour,
		VelocityMinItems:     cfg.Signals.VelocityMinItems,
		EmergenceMinCount:    cfg.Signals.EmergenceMinCount,
		ConvergenceMinShared: cfg.Signals.ConvergenceMinShared,
	})

	return pipeline.New(a.store, pipeline.Components{
		Detector:  detector,
		Narrator:  trends.NewNarrator(c),
		Trends:    trends.NewService(a.store, time.Duration(cfg.Trends.TTLDays)*24*time.Hour),
		Advisor:   merge.NewAdvisor(c),
		Executor:  merge.NewExecutor(a.store),
		Scheduler: delivery.NewScheduler(a.store),
		Deliverer: newDigestLogger(a.store),
	}, pipeline.Options{
		Concurrency:   cfg.Pipeline.Concurrency,
		UserTimeout:   cfg.UserTimeout(),
		RunBudget:     cfg.RunBudget(),
		DecayFactor:   cfg.Weights.DecayFactor,
		MergeMinItems: cfg.Merge.MinItems,
		SampleTitles:  cfg.Merge.SampleTitles,
		MaxCandidates: cfg.Merge.MaxCandidates,
	})
}

func trendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trends",
		Short: "Detect and narrate trends for every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.runner().RunTrends(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Users: %d  Signals: %d  Trends: %d  Failed: %d  Expired: %d\n",
				rep.Users, rep.Signals, rep.Trends, rep.Failed, rep.Swept)
			fmt.Printf("Cost: $%.4f\n", rep.Cost)
			return nil
		},
	}
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Suggest and apply container merges for every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.runner().RunMerges(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Users: %d  Suggested: %d  Merged: %d  Failed: %d  Items moved: %d\n",
				rep.Users, rep.Suggested, rep.Executed, rep.Failed, rep.ItemsMoved)
			fmt.Printf("Cost: $%.4f\n", rep.Cost)
			return nil
		},
	}
}

func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Send digests to the users due this hour",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.runner().RunDelivery(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Delivered: %d  Failed: %d  Abandoned: %d\n", stats.Delivered, stats.Failed, stats.Abandoned)
			return nil
		},
	}
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Decay stale interest weights and drop expired trends",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep := a.runner().RunMaintenance(cmd.Context())
			fmt.Printf("Decayed: %d  Expired: %d\n", rep.Decayed, rep.Swept)
			return nil
		},
	}
}

func dueCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "due",
		Short: "Show which users would get a digest at a given time",
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				when = t
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.store.ListDeliveryUsers(cmd.Context())
			if err != nil {
				return err
			}

			due, skipped := delivery.SelectDue(users, when)
			if len(due) == 0 {
				fmt.Println("Nobody is due.")
			}
			for _, d := range due {
				fmt.Printf("%s  %-6s  %s\n", d.User.ID, d.Frequency, d.LocalTime.Format("Mon 15:04 MST"))
			}
			for _, s := range skipped {
				fmt.Printf("skipped %s: %s\n", s.UserID, s.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "time to evaluate (RFC3339, default now)")
	return cmd
}

func interestsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "interests [user]",
		Short: "List a user's strongest interests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			interests, err := a.store.ListInterests(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			if len(interests) == 0 {
				fmt.Println("No interests yet. Use 'kbpulse observe' to record one.")
				return nil
			}

			for _, in := range interests {
				fmt.Printf("%.2f  %-7s %s  (x%d, last %s)\n",
					in.Weight, in.Type, in.Value, in.OccurrenceCount, in.LastSeen.Format("2006-01-02"))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of interests to show")
	return cmd
}

func observeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "observe [user] [type] [value]",
		Short: "Record an interest extracted from a captured item",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := domain.InterestType(args[1])
			if !typ.Valid() {
				return fmt.Errorf("unknown interest type %q (topic, tool, domain, person, repo)", args[1])
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.store.RecordInterest(cmd.Context(), args[0], typ, strings.Join(args[2:], " "), time.Now())
			if err != nil {
				return err
			}

			fmt.Printf("%s %s: seen %d times, weight %.2f\n", in.Type, in.Value, in.OccurrenceCount, in.Weight)
			return nil
		},
	}
}

func scheduleCmd() *cobra.Command {
	var (
		timezone  string
		frequency string
		day       int
		timeOfDay string
	)

	cmd := &cobra.Command{
		Use:   "schedule [user]",
		Short: "Set a user's digest cadence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := domain.DeliveryUser{
				ID:        args[0],
				Timezone:  timezone,
				Frequency: domain.ParseFrequency(frequency),
				TimeOfDay: timeOfDay,
			}
			if u.Frequency == domain.FrequencyWeekly || cmd.Flags().Changed("day") {
				u.DayOfWeek = &day
			}
			if err := delivery.Validate(u); err != nil {
				return err
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.UpsertUser(cmd.Context(), u); err != nil {
				return err
			}

			fmt.Printf("%s: %s at %s (%s)\n", u.ID, u.Frequency, u.TimeOfDay, u.Timezone)
			return nil
		},
	}

	cmd.Flags().StringVar(&timezone, "tz", "UTC", "IANA timezone")
	cmd.Flags().StringVar(&frequency, "frequency", "weekly", "daily, weekly or none")
	cmd.Flags().IntVar(&day, "day", 1, "day of week for weekly digests (0 = Sunday)")
	cmd.Flags().StringVar(&timeOfDay, "time", "07:00", "local delivery time (HH:MM)")
	return cmd
}
