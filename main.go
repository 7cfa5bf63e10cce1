package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	alertsmemory "github.com/corybantes/smart-distribution-board/internal/alerts/infrastructure/memory"
	alertspostgres "github.com/corybantes/smart-distribution-board/internal/alerts/infrastructure/postgres"
	"github.com/corybantes/smart-distribution-board/internal/alerts/notify"
	"github.com/corybantes/smart-distribution-board/internal/audit"
	"github.com/corybantes/smart-distribution-board/internal/auth"
	billingapp "github.com/corybantes/smart-distribution-board/internal/billing/application"
	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	billingmemory "github.com/corybantes/smart-distribution-board/internal/billing/infrastructure/memory"
	billingpostgres "github.com/corybantes/smart-distribution-board/internal/billing/infrastructure/postgres"
	"github.com/corybantes/smart-distribution-board/internal/billing/infrastructure/pricing"
	"github.com/corybantes/smart-distribution-board/internal/billing/infrastructure/redislock"
	billinghttp "github.com/corybantes/smart-distribution-board/internal/billing/interfaces/http"
	"github.com/corybantes/smart-distribution-board/internal/devicecloud"
	"github.com/corybantes/smart-distribution-board/internal/observability/logging"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
	platformpostgres "github.com/corybantes/smart-distribution-board/internal/platform/postgres"
	platformredis "github.com/corybantes/smart-distribution-board/internal/platform/redis"
	powerapp "github.com/corybantes/smart-distribution-board/internal/power/application"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
	powermemory "github.com/corybantes/smart-distribution-board/internal/power/infrastructure/memory"
	powerpostgres "github.com/corybantes/smart-distribution-board/internal/power/infrastructure/postgres"
	powerhttp "github.com/corybantes/smart-distribution-board/internal/power/interfaces/http"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}
	billingCfg, err := billingapp.LoadConfig()
	if err != nil {
		logger.Fatal("billing config error", zap.Error(err))
	}
	baseSnapshot, err := billingCfg.Snapshot()
	if err != nil {
		logger.Fatal("billing snapshot error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = platformpostgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db open error", zap.Error(err))
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}
	metrics.Init(db, logger)

	st := buildStores(db, baseSnapshot, billingCfg)

	var (
		meters billingapp.MeterReadingSource = st.meters
		sink   powerapp.Sink                 = loggingSink{logger: logger}
	)
	if cfg.DeviceCloudURL != "" {
		cloud, err := devicecloud.NewClient(cfg.DeviceCloudURL, cfg.DeviceCloudToken, devicecloud.WithLogger(logger))
		if err != nil {
			logger.Fatal("device cloud client error", zap.Error(err))
		}
		meters = cloud
		sink = cloud
	}

	controller, err := powerapp.NewController(st.powerStates, sink,
		powerapp.WithCommandLog(st.commandLog),
		powerapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("power controller error", zap.Error(err))
	}

	reconcilerOpts := []billingapp.ReconcilerOption{billingapp.WithReconcilerLogger(logger)}
	dispatcher, err := buildDispatcher(billingCfg.Alerts, st.notifications, logger)
	if err != nil {
		logger.Fatal("alert dispatcher error", zap.Error(err))
	}
	if dispatcher != nil {
		defer dispatcher.Close()
		reconcilerOpts = append(reconcilerOpts, billingapp.WithAlertDispatcher(dispatcher))
	}
	reconciler, err := billingapp.NewReconciler(meters, st.checkpoints, st.tariffs, st.ledger, controller, reconcilerOpts...)
	if err != nil {
		logger.Fatal("reconciler error", zap.Error(err))
	}

	locker, err := buildLocker(ctx, cfg, billingCfg.LockTTL, logger)
	if err != nil {
		logger.Fatal("locker error", zap.Error(err))
	}
	runner, err := billingapp.NewRunner(st.accounts, st.snapshots, reconciler,
		billingapp.WithLocker(locker),
		billingapp.WithRunnerConfig(billingCfg.Runner()),
		billingapp.WithRunnerLogger(logger),
	)
	if err != nil {
		logger.Fatal("runner error", zap.Error(err))
	}
	scheduler := billingapp.NewScheduler(runner, billingCfg.Interval, billingCfg.RunOnStart, logger)
	go scheduler.Start(ctx)

	accountService, err := billingapp.NewAccountService(st.accounts, st.ledger, logger)
	if err != nil {
		logger.Fatal("account service error", zap.Error(err))
	}
	accountsHandler, err := billinghttp.NewAccountsHandler(accountService, st.notifications, st.auditLogger, logger)
	if err != nil {
		logger.Fatal("accounts handler error", zap.Error(err))
	}
	triggerHandler, err := billinghttp.NewTriggerHandler(runner, auth.NewTriggerVerifier(cfg.TriggerSecret, cfg.TriggerMaxSkew), st.auditLogger, logger)
	if err != nil {
		logger.Fatal("trigger handler error", zap.Error(err))
	}
	ingestHandler, err := billinghttp.NewIngestHandler(st.recorder, logger)
	if err != nil {
		logger.Fatal("ingest handler error", zap.Error(err))
	}
	outletHandler, err := powerhttp.NewHandler(controller, st.auditLogger, logger)
	if err != nil {
		logger.Fatal("outlet handler error", zap.Error(err))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics", "/api/v1/billing/run", "/api/v1/meter-samples"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy, auth.WithMiddlewareLogger(logger))
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/billing/run", triggerHandler)
	mux.Handle("/api/v1/meter-samples", ingestAuth.Wrap(ingestHandler))
	mux.Handle("/api/v1/accounts/", accountsHandler)
	mux.Handle("/api/v1/outlets/control", outletHandler)
	mux.Handle("/api/v1/outlets/state", outletHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

type stores struct {
	accounts      billing.AccountRepository
	checkpoints   billing.CheckpointRepository
	ledger        billingapp.AccountLedger
	snapshots     billingapp.SnapshotSource
	tariffs       billingapp.TariffProvider
	meters        billingapp.MeterReadingSource
	recorder      billinghttp.SampleRecorder
	powerStates   powerapp.StateRepository
	commandLog    powerapp.CommandLog
	notifications notificationRepository
	auditLogger   audit.Logger
}

type notificationRepository interface {
	notify.NotificationStore
	billinghttp.NotificationFeed
}

func buildStores(db *sql.DB, base billing.Snapshot, cfg billingapp.Config) stores {
	if db != nil {
		meters := billingpostgres.NewMeterReadingSource(db)
		return stores{
			accounts:      billingpostgres.NewAccountRepository(db),
			checkpoints:   billingpostgres.NewCheckpointRepository(db),
			ledger:        billingpostgres.NewLedger(db),
			snapshots:     billingpostgres.NewSnapshotStore(db, base),
			tariffs:       pricing.NewTariffProvider(db, pricing.WithCacheTTL(cfg.TariffCacheTTL)),
			meters:        meters,
			recorder:      meters,
			powerStates:   powerpostgres.NewStateRepository(db),
			commandLog:    powerpostgres.NewCommandRepository(db),
			notifications: alertspostgres.NewNotificationRepository(db),
			auditLogger:   audit.NewRepository(db),
		}
	}

	meters := billingmemory.NewMeterSource()
	tariffs, err := pricing.NewFixedPriceProvider(base.Rate)
	if err != nil {
		tariffs, _ = pricing.NewFixedPriceProvider(billing.DefaultRate)
	}
	return stores{
		accounts:    billingmemory.NewAccountRepository(),
		checkpoints: billingmemory.NewCheckpointRepository(),
		ledger:      billingmemory.NewLedger(),
		snapshots:   billingapp.StaticSnapshot{Snapshot: base},
		tariffs:     tariffs,
		meters:      meters,
		recorder: billinghttp.SampleRecorderFunc(func(_ context.Context, sample billing.MeterSample) error {
			if err := sample.Validate(); err != nil {
				return err
			}
			meters.Record(sample)
			return nil
		}),
		powerStates:   powermemory.NewStateRepository(),
		commandLog:    powermemory.NewCommandLog(),
		notifications: alertsmemory.NewNotificationRepository(),
		auditLogger:   audit.NewMemoryLogger(),
	}
}

func buildDispatcher(cfg billingapp.AlertConfig, store notify.NotificationStore, logger *zap.Logger) (*notify.Dispatcher, error) {
	var channels []notify.Channel
	if cfg.StoreEnabled && store != nil {
		channel, err := notify.NewStoreChannel(store)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	if cfg.WebhookURL != "" {
		channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	if cfg.RelayURL != "" {
		channel, err := notify.NewRelayChannel(cfg.RelayURL)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	multi := notify.NewMultiChannel(channels...)
	if multi.Len() == 0 {
		logger.Info("no alert channels configured")
		return nil, nil
	}
	tpl, err := notify.NewTemplate(os.Getenv("ALERT_TEMPLATE"))
	if err != nil {
		return nil, err
	}
	return notify.NewDispatcher(multi, tpl,
		notify.WithLogger(logger),
		notify.WithCooldown(cfg.Cooldown),
		notify.WithDedupeWindow(cfg.DedupeWindow),
		notify.WithRequestTimeout(cfg.RequestTimeout),
	)
}

func buildLocker(ctx context.Context, cfg config, ttl time.Duration, logger *zap.Logger) (billingapp.Locker, error) {
	if cfg.RedisAddr == "" {
		return billingapp.NewKeyedLocker(), nil
	}
	client, err := platformredis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis account locks", zap.String("addr", cfg.RedisAddr))
	return redislock.New(client, redislock.WithTTL(ttl))
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	JWTSecret         string
	TriggerSecret     string
	TriggerMaxSkew    time.Duration
	IngestSecret      string
	IngestSkewSeconds int
	RedisAddr         string
	RedisPassword     string
	DeviceCloudURL    string
	DeviceCloudToken  string
	ShutdownTimeout   time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		TriggerSecret:     getenvDefault("TRIGGER_SECRET", ""),
		TriggerMaxSkew:    getenvDuration("TRIGGER_MAX_SKEW", 5*time.Minute),
		IngestSecret:      getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds: getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
		RedisAddr:         getenvDefault("REDIS_ADDR", ""),
		RedisPassword:     getenvDefault("REDIS_PASSWORD", ""),
		DeviceCloudURL:    getenvDefault("DEVICE_CLOUD_URL", ""),
		DeviceCloudToken:  getenvDefault("DEVICE_CLOUD_TOKEN", ""),
		ShutdownTimeout:   getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("AUTH_JWT_SECRET is required")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ---- Adapters ----

// loggingSink stands in for board hardware when no device cloud is configured.
type loggingSink struct {
	logger *zap.Logger
}

func (s loggingSink) SetOutlet(_ context.Context, outlet billing.OutletRef, state power.State) error {
	s.logger.Info("outlet command (no device cloud)",
		zap.String("outlet", outlet.String()),
		zap.Int("value", state.Value()),
	)
	return nil
}
