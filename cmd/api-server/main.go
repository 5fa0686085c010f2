package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/api"
	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/availability"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/config"
	"github.com/hackgods/clinical-scheduling/internal/db"
	"github.com/hackgods/clinical-scheduling/internal/logging"
	"github.com/hackgods/clinical-scheduling/internal/notify"
	redisclient "github.com/hackgods/clinical-scheduling/internal/redis"
	"github.com/hackgods/clinical-scheduling/internal/reminder"
	"github.com/hackgods/clinical-scheduling/internal/seeddata"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("storage", cfg.StorageDriver).
		Str("timezone", cfg.ClinicTimezone).
		Dur("slot_granularity", cfg.SlotGranularity).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System()

	var (
		repo    appointment.Repository
		memRepo *appointment.MemoryRepository
		pgPool  *pgxpool.Pool
	)
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConns, Logger: logger})
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()

		applied, err := db.Migrate(rootCtx, pgPool)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int("applied", applied).Msg("schema up to date")

		repo = appointment.NewPgRepository(pgPool)
	default:
		memRepo = appointment.NewMemoryRepository(clk)
		ds, err := seeddata.Generate(1, seeddata.Counts{Doctors: 5, Patients: 50, Staff: 3})
		if err != nil {
			logger.Fatal().Err(err).Msg("generate demo data")
		}
		seeddata.LoadMemory(memRepo, ds)
		logger.Warn().
			Int("doctors", len(ds.Doctors)).
			Int("patients", len(ds.Patients)).
			Msg("using in-memory storage, data is lost on exit")
		repo = memRepo
	}

	var (
		rdb    *redis.Client
		locker redisclient.Locker
	)
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Dur("lock_ttl", cfg.LockTTL).Msg("slot locking enabled")
	} else {
		logger.Info().Msg("slot locking disabled")
	}

	gen, err := slots.NewGenerator(cfg.SlotGranularity)
	if err != nil {
		logger.Fatal().Err(err).Msg("slot generator")
	}
	index := availability.NewIndex(repo, gen, clk, availability.Options{
		Location:  cfg.Location,
		CacheSize: cfg.SlotCacheSize,
		CacheTTL:  cfg.SlotCacheTTL,
	}, logger)
	svc := appointment.NewService(repo, index, locker, clk, cfg, logger)

	// nothing outside this process can see in-memory data, so reminders run here
	if memRepo != nil {
		dispatcher := notify.NewLogDispatcher(logger)
		scheduler := reminder.NewScheduler(svc, dispatcher, clk, reminder.Options{
			Lookahead:      cfg.ReminderLookahead,
			Location:       cfg.Location,
			Reconciler:     svc,
			ReconcileGrace: cfg.ReconcileGrace,
		}, logger)
		go scheduler.Run(rootCtx, cfg.WorkerInterval)
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service: svc,
			PgPool:  pgPool,
			Redis:   rdb,
			Logger:  logger,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("api-server stopped")
}
