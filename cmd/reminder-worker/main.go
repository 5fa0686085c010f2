package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/availability"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/config"
	"github.com/hackgods/clinical-scheduling/internal/db"
	"github.com/hackgods/clinical-scheduling/internal/logging"
	"github.com/hackgods/clinical-scheduling/internal/notify"
	"github.com/hackgods/clinical-scheduling/internal/reminder"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

type dispatcher interface {
	reminder.Dispatcher
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("lookahead", cfg.ReminderLookahead).
		Msg("reminder-worker starting up")

	if cfg.StorageDriver != config.StorageDriverPostgres {
		logger.Fatal().Msg("reminder-worker needs STORAGE_DRIVER=postgres, the api-server sends reminders itself in memory mode")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConns, Logger: logger})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	clk := clock.System()
	repo := appointment.NewPgRepository(pgPool)

	gen, err := slots.NewGenerator(cfg.SlotGranularity)
	if err != nil {
		logger.Fatal().Err(err).Msg("slot generator")
	}
	// the service needs an index; the worker never lists slots, so it runs uncached
	index := availability.NewIndex(repo, gen, clk, availability.Options{Location: cfg.Location}, logger)
	svc := appointment.NewService(repo, index, nil, clk, cfg, logger)

	var d dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		d = notify.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaReminderTopic, logger)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaReminderTopic).Msg("publishing reminders to kafka")
	} else {
		d = notify.NewLogDispatcher(logger)
		logger.Info().Msg("KAFKA_BROKERS not set, reminders are only logged")
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing dispatcher")
		}
	}()

	scheduler := reminder.NewScheduler(svc, d, clk, reminder.Options{
		Lookahead:      cfg.ReminderLookahead,
		Location:       cfg.Location,
		Reconciler:     svc,
		ReconcileGrace: cfg.ReconcileGrace,
	}, logger)

	scheduler.Run(rootCtx, cfg.WorkerInterval)
	logger.Info().Msg("reminder-worker stopped")
}
