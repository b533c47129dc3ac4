package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/api"
	"github.com/wTHU1Ew/papaya/internal/config"
	"github.com/wTHU1Ew/papaya/internal/health"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/liquidation"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/reconcile"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/scheduler"
	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/internal/swap"
	"github.com/wTHU1Ew/papaya/internal/trade"
	"github.com/wTHU1Ew/papaya/internal/venue"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

func main() {
	// Exit code
	exitCode := 0
	defer func() {
		os.Exit(exitCode)
	}()

	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		exitCode = 1
		return
	}

	// Parse log level
	logLevel, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse log level: %v\n", err)
		exitCode = 1
		return
	}

	// Initialize logger
	log, err := logger.New(
		cfg.Logging.FilePath,
		logLevel,
		cfg.Logging.MaxSize,
		cfg.Logging.MaxAge,
		cfg.Logging.MaxBackups,
		cfg.Logging.Compress,
		cfg.Logging.Console,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		exitCode = 1
		return
	}
	defer log.Close()

	log.Info("=== Papaya Starting ===")
	log.Info("Configuration loaded: %s", cfg.MaskSensitive())

	if err := run(cfg, log); err != nil {
		log.Error("Fatal: %v", err)
		exitCode = 1
	}

	log.Info("=== Papaya Stopped ===")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	// Initialize database
	log.Info("Initializing database at %s", cfg.Database.Path)
	db, err := storage.New(
		cfg.Database.Path,
		cfg.Database.WALMode,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.BusyRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	prices := oracle.New(oracle.Options{
		CryptoURL:       cfg.Oracle.CryptoURL,
		FiatURL:         cfg.Oracle.FiatURL,
		Timeout:         time.Duration(cfg.Oracle.Timeout) * time.Second,
		MaxConcurrency:  cfg.Oracle.MaxConcurrency,
		DefaultFallback: decimal.NewFromFloat(cfg.Oracle.DefaultFallback),
	}, catalog, log, m)

	book := ledger.New(db, prices, catalog, ledger.Options{
		Thresholds: health.Thresholds{
			Healthy:     decimal.NewFromFloat(cfg.Risk.HealthyThreshold),
			Liquidation: decimal.NewFromFloat(cfg.Risk.LiquidationThreshold),
			Target:      decimal.NewFromFloat(cfg.Risk.TargetRecovery),
		},
		InterestMode:  models.InterestMode(cfg.Interest.Mode),
		PeriodSeconds: cfg.Interest.PeriodSeconds,
		Penalty:       decimal.NewFromFloat(cfg.Risk.LiquidationPenalty),
	}, log, m)
	if err := seedRates(ctx, cfg, db, book, log); err != nil {
		return err
	}

	rec := recorder.New(db, log)

	executor, err := trade.New(trade.Options{
		MaxAttempts:    cfg.Venue.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Venue.BackoffInitMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Venue.BackoffMaxMs) * time.Millisecond,
		ConfirmTimeout: time.Duration(cfg.Venue.ConfirmTimeout) * time.Second,
		PollInterval:   time.Duration(cfg.Venue.PollIntervalMs) * time.Millisecond,
		Instruments:    cfg.Venue.Instruments,
	}, log, m)
	if err != nil {
		return err
	}
	ec := trade.ExecContext{Venue: newVenue(cfg, prices, log), Account: cfg.Venue.Account}

	// Alerts
	memory := alert.NewMemory(100)
	sinks := []alert.Sink{memory}
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		k := alert.NewKafka(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		defer k.Close()
		sinks = append(sinks, k)
		log.Info("Publishing alerts to kafka topic %s", cfg.Alerts.KafkaTopic)
	}
	alerts := alert.New(log, m, sinks...)

	engine := liquidation.New(book, prices, rec, executor, ec, alerts, liquidation.Options{
		Workers:       cfg.Liquidation.Workers,
		MaxLegs:       cfg.Liquidation.MaxLegs,
		QueueSize:     cfg.Liquidation.QueueSize,
		MaxSlippage:   decimal.NewFromFloat(cfg.Risk.MaxSlippage),
		AllowFallback: cfg.Liquidation.AllowFallbackPrices,
	}, log, m)
	reconciler := reconcile.New(book, rec, executor, ec, alerts, reconcile.Options{
		Grace:  time.Duration(cfg.Reconcile.GraceSeconds) * time.Second,
		MaxAge: time.Duration(cfg.Reconcile.MaxAgeSecs) * time.Second,
	}, log)
	swaps := swap.New(book, prices, rec, executor, ec, alerts, decimal.NewFromFloat(cfg.Risk.MaxSlippage), log)

	// Scheduled jobs
	sched := scheduler.New(log)
	if err := sched.Add("interest", cfg.Interest.Schedule, func(ctx context.Context) error {
		_, err := book.AccrueInterest(ctx, time.Now())
		return err
	}); err != nil {
		return err
	}
	if err := sched.Add("reconcile", cfg.Reconcile.Schedule, func(ctx context.Context) error {
		_, err := reconciler.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if cfg.Liquidation.Enabled {
		if err := sched.Add("scan", cfg.Liquidation.ScanSchedule, func(ctx context.Context) error {
			_, err := engine.Scan(ctx)
			return err
		}); err != nil {
			return err
		}
		book.OnChange(engine.Notify)
		go engine.Run(ctx)
	} else {
		log.Warn("Liquidation engine disabled; positions are monitored through the API only")
	}

	// Periods missed while stopped are accrued, and settlements left over from a
	// previous run are resolved, before new traffic arrives.
	if err := sched.RunNow(ctx, "interest"); err != nil {
		log.Warn("Startup interest accrual failed: %v", err)
	}
	if err := sched.RunNow(ctx, "reconcile"); err != nil {
		log.Warn("Startup reconciliation failed: %v", err)
	}
	sched.Start()

	srv := api.New(api.Deps{
		Ledger:   book,
		Recorder: rec,
		Swap:     swaps,
		Prices:   prices,
		Engine:   engine,
		Alerts:   memory,
		Store:    db,
		Gatherer: reg,
	}, log)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received signal: %v", sig)
	case err := <-errChan:
		runErr = fmt.Errorf("http server: %w", err)
	}

	log.Info("Initiating graceful shutdown...")
	shutdownCtx, done := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown: %v", err)
	}
	sched.Stop()
	engine.Stop()
	cancel()

	stats := engine.GetMetrics()
	log.Info("Final metrics: scan_count=%v, liquidation_count=%v, error_count=%v, last_scan=%v",
		stats["scan_count"], stats["liquidation_count"], stats["error_count"], stats["last_scan"])
	return runErr
}

// newVenue returns the configured venue. Paper mode fills at oracle prices.
func newVenue(cfg *config.Config, prices oracle.Source, log *logger.Logger) trade.Venue {
	if cfg.Venue.Mode == config.VenueModePaper {
		log.Warn("Venue running in paper mode; no orders reach a real exchange")
		return venue.NewPaper(func(ctx context.Context, base, quote string) (decimal.Decimal, bool) {
			snap := prices.AllPrices(ctx)
			b, ok1 := snap.Price(base)
			q, ok2 := snap.Price(quote)
			if !ok1 || !ok2 || q.IsZero() {
				return decimal.Zero, false
			}
			return b.Div(q), true
		})
	}
	log.Info("Initializing venue client for %s", cfg.Venue.APIURL)
	client := venue.New(venue.Options{
		APIURL:     cfg.Venue.APIURL,
		APIKey:     cfg.Venue.APIKey,
		APISecret:  cfg.Venue.APISecret,
		Passphrase: cfg.Venue.Passphrase,
		Timeout:    time.Duration(cfg.Venue.Timeout) * time.Second,
		MaxRetries: cfg.Venue.MaxRetries,
		Debug:      cfg.Venue.DebugEnable,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Venue.Timeout)*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		log.Warn("Venue health check failed, settlements will retry: %v", err)
	}
	return client
}

// seedRates records configured borrow rates for assets that have none yet.
func seedRates(ctx context.Context, cfg *config.Config, db *storage.Storage, book *ledger.Ledger, log *logger.Logger) error {
	now := time.Now()
	current, err := db.CurrentRates(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load interest rates: %w", err)
	}
	for _, a := range cfg.Assets {
		if a.BorrowRate <= 0 {
			continue
		}
		symbol := models.NormalizeSymbol(a.Symbol)
		if _, ok := current[symbol]; ok {
			continue
		}
		if err := book.SetInterestRate(ctx, symbol, decimal.NewFromFloat(a.BorrowRate), now); err != nil {
			return fmt.Errorf("failed to seed rate for %s: %w", symbol, err)
		}
		log.Info("Seeded %s borrow rate %.4f", symbol, a.BorrowRate)
	}
	return nil
}
