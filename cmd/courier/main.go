package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avandra/courier/internal/api"
	"github.com/avandra/courier/internal/cache"
	"github.com/avandra/courier/internal/config"
	"github.com/avandra/courier/internal/delivery"
	"github.com/avandra/courier/internal/optout"
	"github.com/avandra/courier/internal/queue"
	"github.com/avandra/courier/internal/session"
	"github.com/avandra/courier/internal/throttle"
	"github.com/avandra/courier/internal/whatsapp"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier - session-aware WhatsApp message delivery service",
		Long: `Courier delivers operator messages over WhatsApp, respecting the
24-hour customer session window, per-recipient and provider-wide rate
limits, and queueing what cannot go out until the recipient re-engages.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the courier API server",
	Long:  "Start the HTTP API, the periodic queue sweeps and the delivery pipeline",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry and retry sweep, then exit",
	RunE:  runSweep,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate the configuration and print the effective values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("listen: %s\n", cfg.Server.Listen)
		fmt.Printf("queue backend: %s\n", cfg.Queue.Backend)
		fmt.Printf("counter store: %s\n", cfg.Counter.Type)
		fmt.Printf("owners on roster: %d\n", len(cfg.Owners))
		fmt.Println("configuration OK")
		return nil
	},
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// logAlerter surfaces circuit breaker trips in the log stream. A real
// deployment can swap in a pager integration here.
type logAlerter struct {
	logger *slog.Logger
}

func (a *logAlerter) Alert(_ context.Context, message string) {
	a.logger.Error("ALERT: " + message)
}

type services struct {
	queue   *queue.Queue
	api     *api.Server
	counter cache.Counter
	closers []func() error
}

func buildServices(cfg *config.Config) (*services, error) {
	logger := slog.Default().With("component", "main")

	counter, err := cache.New(cfg.CounterConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create counter store: %w", err)
	}
	if err := counter.Connect(); err != nil {
		// the quota fails open anyway; a dead counter store only
		// disables the provider-wide limit
		logger.Warn("counter store unavailable, global quota disabled", "error", err)
	}

	limiter := throttle.NewRateLimiter(cfg.Throttle.HourlyCap, cfg.Throttle.MinuteCap)
	breaker := throttle.NewCircuitBreaker(cfg.Throttle.BreakerThreshold, cfg.BreakerWindow(),
		&logAlerter{logger: slog.Default().With("component", "alerts")})
	quota := throttle.NewGlobalQuota(counter, cfg.Throttle.GlobalPerMinute)

	transport := whatsapp.NewClient(cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.AccessToken)

	var store queue.Store
	closers := []func() error{counter.Close}
	switch cfg.Queue.Backend {
	case "legacy":
		store = queue.NewLegacyStore(queue.NewMemoryNotesStore())
	default:
		sqlStore, err := queue.OpenSQLStore(cfg.Queue.SQL)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		closers = append(closers, sqlStore.Close)
		store = sqlStore
	}

	profiles := session.NewMemoryProfileStore()
	tracker := session.NewWindowTracker(profiles, cfg.SessionWindow())

	roster := make([]queue.Owner, 0, len(cfg.Owners))
	for _, o := range cfg.Owners {
		roster = append(roster, queue.Owner{ID: o.ID, Name: o.Name, Phone: o.Phone})
	}
	owners := queue.NewStaticDirectory(roster)

	sender := delivery.NewClient(transport, limiter, breaker, quota, nil, nil, cfg.DeliveryConfig())
	q := queue.New(store, sender, tracker, owners, cfg.QueueConfig())
	sender.SetDeferrer(q)
	sender.SetSink(q)

	guard := optout.NewGuard(limiter, throttle.ReasonOptOut)
	apiServer := api.NewServer(cfg.Server.Listen, q, owners, profiles, guard, transport)

	return &services{
		queue:   q,
		api:     apiServer,
		counter: counter,
		closers: closers,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	logger := slog.Default().With("component", "main")

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, close := range svc.closers {
			if err := close(); err != nil {
				logger.Warn("close failed during shutdown", "error", err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sweeper *cron.Cron
	if cfg.Sweep.Enabled {
		sweeper = cron.New()
		_, err := sweeper.AddFunc(cfg.Sweep.Schedule, func() {
			sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if n, err := svc.queue.ExpireSweep(sweepCtx); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expiry sweep finished", "expired", n)
			}
			if n, err := svc.queue.ProcessQueued(sweepCtx); err != nil {
				logger.Error("queued retry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("queued retry sweep finished", "moved", n)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sweep.Schedule, err)
		}
		sweeper.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(svc.api.Start)
	g.Go(func() error {
		<-gctx.Done()
		if sweeper != nil {
			<-sweeper.Stop().Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return svc.api.Shutdown(shutdownCtx)
	})

	logger.Info("courier started", "listen", cfg.Server.Listen, "queue_backend", cfg.Queue.Backend)
	return g.Wait()
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, close := range svc.closers {
			close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := svc.queue.ExpireSweep(ctx)
	if err != nil {
		return err
	}
	retried, err := svc.queue.ProcessQueued(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("expired: %d, retried: %d\n", expired, retried)
	return nil
}
