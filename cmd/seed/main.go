package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinical-scheduling/internal/config"
	"github.com/hackgods/clinical-scheduling/internal/db"
	"github.com/hackgods/clinical-scheduling/internal/logging"
	"github.com/hackgods/clinical-scheduling/internal/seeddata"
)

const batchSize = 500

func main() {
	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Prepare the scheduling database",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dataCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*pgxpool.Pool, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	if cfg.StorageDriver != config.StorageDriverPostgres {
		return nil, logger, fmt.Errorf("seeding needs STORAGE_DRIVER=%s", config.StorageDriverPostgres)
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConns, Logger: logger})
	if err != nil {
		return nil, logger, err
	}
	return pool, logger, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info().Int("applied", count).Msg("migrations complete")
			return nil
		},
	}
}

func dataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Insert fake doctors, patients and staff",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctors, _ := cmd.Flags().GetInt("doctors")
			patients, _ := cmd.Flags().GetInt("patients")
			staff, _ := cmd.Flags().GetInt("staff")
			seed, _ := cmd.Flags().GetUint64("seed")

			ctx := cmd.Context()
			pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			ds, err := seeddata.Generate(seed, seeddata.Counts{Doctors: doctors, Patients: patients, Staff: staff})
			if err != nil {
				return err
			}

			if err := seedDoctors(ctx, pool, ds, logger); err != nil {
				return fmt.Errorf("seed doctors: %w", err)
			}
			if err := seedPatients(ctx, pool, ds, logger); err != nil {
				return fmt.Errorf("seed patients: %w", err)
			}
			if err := seedStaff(ctx, pool, ds, logger); err != nil {
				return fmt.Errorf("seed staff: %w", err)
			}

			logger.Info().Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().Int("doctors", 100, "Number of doctors")
	cmd.Flags().Int("patients", 9000, "Number of patients")
	cmd.Flags().Int("staff", 10, "Number of staff members")
	cmd.Flags().Uint64("seed", 0, "Faker seed, 0 for random")
	return cmd
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, ds seeddata.Dataset, logger zerolog.Logger) error {
	logger.Info().Int("count", len(ds.Doctors)).Msg("seeding doctors")

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, d := range ds.Doctors {
			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, name, email, specialization, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, d.ID, d.Name, d.Email, d.Specialization)
			if err != nil {
				return err
			}

			for _, w := range d.Availability {
				_, err := tx.Exec(ctx, `
					INSERT INTO doctor_availability (doctor_id, day, start_time, end_time)
					VALUES ($1, $2, $3, $4)
				`, d.ID, int16(w.Day), w.Start.String(), w.End.String())
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, ds seeddata.Dataset, logger zerolog.Logger) error {
	count := len(ds.Patients)
	logger.Info().Int("count", count).Msg("seeding patients")

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for _, p := range ds.Patients[offset:end] {
				_, err := tx.Exec(ctx, `
					INSERT INTO patients (id, name, email, phone, created_at, updated_at)
					VALUES ($1, $2, $3, $4, now(), now())
				`, p.ID, p.Name, p.Email, p.Phone)
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		logger.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}

func seedStaff(ctx context.Context, pool *pgxpool.Pool, ds seeddata.Dataset, logger zerolog.Logger) error {
	logger.Info().Int("count", len(ds.Staff)).Msg("seeding staff")

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, s := range ds.Staff {
			_, err := tx.Exec(ctx, `
				INSERT INTO staff (id, name, role, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, s.ID, s.Name, s.Role)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
