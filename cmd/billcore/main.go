package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/billcore/internal/authz"
	"github.com/hamzaKhattat/billcore/internal/cdr"
	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/config"
	"github.com/hamzaKhattat/billcore/internal/dispatcher"
	"github.com/hamzaKhattat/billcore/internal/health"
	"github.com/hamzaKhattat/billcore/internal/metrics"
	"github.com/hamzaKhattat/billcore/internal/ratecache"
	"github.com/hamzaKhattat/billcore/internal/realtimebiller"
	"github.com/hamzaKhattat/billcore/internal/reservation"
	"github.com/hamzaKhattat/billcore/internal/softswitch"
	"github.com/hamzaKhattat/billcore/internal/store"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

var (
	configFile string
	serveMode  bool
	verbose    bool

	cfg          *config.Config
	mysqlStore   *store.MySQLStore
	metricsSvc   *metrics.PrometheusMetrics
	healthSvc    *health.HealthService
	ssAdapter    *softswitch.Adapter
	dispatcherSvc *dispatcher.Dispatcher
	billerSvc    *realtimebiller.Biller
	reservationMgr *reservation.Manager
)

func main() {
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.BoolVar(&serveMode, "serve", false, "Run the billing core server")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	if flag.NFlag() > 0 {
		runServerMode()
		return
	}

	runCLI()
}

func runServerMode() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	logLevel := cfg.Monitoring.LoggingLevel
	if verbose {
		logLevel = "debug"
	}
	if err := logger.Init(logger.Config{
		Level:  logLevel,
		Format: cfg.Monitoring.LoggingFormat,
		Output: cfg.Monitoring.LoggingOutput,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := initializeServices(ctx); err != nil {
		logger.WithError(err).Fatal("failed to initialize billing core services")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dispatcherSvc.Start(ctx)
	billerSvc.Start(ctx)
	go runEventPump(ctx)
	go runExpirySweepLoop(ctx)
	go func() {
		if err := ssAdapter.AGIEventSource.Start(); err != nil {
			logger.WithError(err).Error("AGI event source stopped")
		}
	}()
	go func() {
		if err := ssAdapter.AMIHangupForcer.Connect(ctx); err != nil {
			logger.WithError(err).Warn("call manager interface not connected, forced hangups will fail until reconnect")
		}
	}()

	logger.Info("billing core started")
	<-sigChan
	logger.Info("shutting down billing core")

	cancel()
	billerSvc.Stop()
	dispatcherSvc.Stop()
	ssAdapter.AGIEventSource.Stop()
	ssAdapter.AMIHangupForcer.Close()
	if healthSvc != nil {
		healthSvc.Stop()
	}
	logger.Info("shutdown complete")
}

func initializeServices(ctx context.Context) error {
	var err error
	mysqlStore, err = store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Username:        cfg.Database.Username,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RetryAttempts:   cfg.Database.RetryAttempts,
		RetryDelay:      cfg.Database.RetryDelay,
	})
	if err != nil {
		return err
	}

	metricsSvc = metrics.NewPrometheusMetrics()

	var rateCache ratecache.Cache
	redisCache, err := ratecache.NewRedisCache(ratecache.RedisConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
	}, "billcore")
	if err != nil {
		logger.WithError(err).Warn("rate cache unavailable, resolver will fall through to the store on every call")
	} else {
		rateCache = redisCache
	}

	resolver := ratecache.NewResolver(mysqlStore, rateCache, 30*time.Second)

	realClock := clock.Real{}

	authzSvc := authz.NewService(mysqlStore, resolver, realClock, authz.Config{
		InitialReservationMinutes: cfg.Billing.InitialReservationMinutes,
		MinimumReservationMinutes: cfg.Billing.MinimumReservationMinutes,
		ReservationSafetyFactor:   decimal.NewFromFloat(cfg.Billing.ReservationSafetyFactor),
		ReservationGraceSeconds:   cfg.Billing.ReservationGraceSeconds,
	})

	reservationMgr = reservation.NewManager(mysqlStore, realClock)

	agiSrc := softswitch.NewAGIEventSource(softswitch.AGIConfig{
		ListenAddress: cfg.Softswitch.AGIListenAddress,
		Port:          cfg.Softswitch.AGIPort,
		ReadTimeout:   cfg.Softswitch.AGIReadTimeout,
	})
	amiHangup := softswitch.NewAMIHangupForcer(softswitch.AMIConfig{
		Host:          cfg.Softswitch.AMIHost,
		Port:          cfg.Softswitch.AMIPort,
		ActionTimeout: cfg.Softswitch.AMIActionTimeout,
	})
	ssAdapter = softswitch.NewAdapter(agiSrc, amiHangup)

	cdrFinalizer := cdr.NewFinalizer(mysqlStore, reservationMgr, metricsSvc, cdr.Config{
		InsertRetryMax:     cfg.Billing.CDRInsertRetryMax,
		InsertRetryBackoff: cfg.Billing.CDRInsertRetryBackoff,
	})

	billerSvc = realtimebiller.NewBiller(reservationMgr, reservationMgr, ssAdapter, realClock, metricsSvc, realtimebiller.Config{
		TickInterval:            time.Duration(cfg.Billing.RealtimeTickSeconds) * time.Second,
		ExtensionMinutes:        cfg.Billing.ExtensionMinutes,
		LowWaterSeconds:         cfg.Billing.LowWaterSeconds,
		HangupWaterSeconds:      cfg.Billing.HangupWaterSeconds,
		ReservationSafetyFactor: decimal.NewFromFloat(cfg.Billing.ReservationSafetyFactor),
	})

	eventLog, err := dispatcher.NewFileEventLog(cfg.App.EventLogPath)
	if err != nil {
		logger.WithError(err).Warn("event log unavailable, falling back to no durability on the ingest path")
	}
	var eventLogger dispatcher.EventLog = dispatcher.NoopEventLog{}
	if eventLog != nil {
		eventLogger = eventLog
	}

	dispatcherSvc = dispatcher.NewDispatcher(mysqlStore, authzSvc, billerSvc, cdrFinalizer, ssAdapter, realClock, eventLogger, metricsSvc, dispatcher.Config{
		QueueCount:              cfg.Billing.DispatcherQueueCount,
		QueueDepth:              cfg.Billing.DispatcherQueueDepth,
		OutOfOrderBufferSeconds: cfg.Billing.OutOfOrderBufferSeconds,
	})

	if cfg.Monitoring.HealthPort > 0 {
		healthSvc = health.NewHealthService(cfg.Monitoring.HealthPort)
		healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
			if !mysqlStore.IsHealthy() {
				return fmt.Errorf("database not healthy")
			}
			return nil
		}))
		healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
			return mysqlStore.DB().PingContext(ctx)
		}))
		go healthSvc.Start()
	}

	if cfg.Monitoring.MetricsEnabled {
		go metricsSvc.ServeHTTP(cfg.Monitoring.MetricsPort)
	}

	return nil
}

// runEventPump drains the softswitch adapter's event channel into the
// dispatcher, keeping the adapter boundary (framing/translation) separate
// from dispatch (serialization/handoff).
func runEventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ssAdapter.Events():
			if !ok {
				return
			}
			if err := dispatcherSvc.Dispatch(ctx, ev); err != nil {
				logger.WithError(err).Warn("failed to dispatch softswitch event")
			}
		}
	}
}

// runExpirySweepLoop runs the periodic reservation expiry sweep,
// independent of the per-call hot path.
func runExpirySweepLoop(ctx context.Context) {
	interval := time.Duration(cfg.Billing.ExpirySweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reservationMgr.RunExpirySweep(ctx, cfg.Billing.ExpirySweepBatch)
			if err != nil {
				logger.WithError(err).Warn("expiry sweep failed")
				continue
			}
			if n > 0 {
				logger.WithField("count", n).Info("expired reservations released")
			}
		}
	}
}

func runCLI() {
	rootCmd := &cobra.Command{
		Use:   "billcore",
		Short: "Real-time telecom rating and billing core",
		Long:  "Authorizes calls against account balances, reserves and tops up funds while a call runs, and finalizes call detail records at hangup.",
	}

	rootCmd.AddCommand(
		createAccountCommand(),
		createReservationCommand(),
		createCDRCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
