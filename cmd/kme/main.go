/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command kme is the Key Management Entity: the ETSI GS QKD 014 key
// delivery service backed by PostgreSQL, with an encrypted key pool,
// background replenishment, and audit trails.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/kme/pkg/kme/audit"
	"github.com/jordigilh/kme/pkg/kme/config"
	"github.com/jordigilh/kme/pkg/kme/crypto"
	"github.com/jordigilh/kme/pkg/kme/dlq"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/generator"
	"github.com/jordigilh/kme/pkg/kme/metrics"
	"github.com/jordigilh/kme/pkg/kme/notify"
	"github.com/jordigilh/kme/pkg/kme/pipeline"
	"github.com/jordigilh/kme/pkg/kme/pool"
	"github.com/jordigilh/kme/pkg/kme/server"
	"github.com/jordigilh/kme/pkg/kme/storage"
	"github.com/jordigilh/kme/pkg/log"
)

func main() {
	logger := log.NewLogger(log.Options{
		Development: os.Getenv("KME_DEV_LOGGING") == "true",
		ServiceName: "kme",
	})
	defer log.Sync(logger)

	if err := run(logger); err != nil {
		logger.Error(err, "fatal error")
		log.Sync(logger)
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"kme_id", cfg.KME.ID,
		"target_kme_id", cfg.KME.TargetID,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := storage.Migrate(db.DB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	sealer, err := crypto.NewSealer(cfg.Keys.MasterEncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid master encryption key: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	keyStore := storage.NewKeyStore(db, sealer, storage.KeyStoreConfig{
		KMEID:     cfg.KME.ID,
		SingleUse: cfg.Keys.SingleUseEnabled(),
	}, logger)
	saeStore := storage.NewSAEStore(db)

	gen := generator.NewBreakerSource(
		generator.NewCSPRNGSource(), cfg.Pool.GeneratorTimeout, logger)

	poolMgr := pool.NewManager(keyStore, gen, pool.Config{
		KMEID:              cfg.KME.ID,
		MaxKeyCount:        cfg.Pool.MaxKeyCount,
		MinKeyThreshold:    cfg.Pool.MinKeyThreshold,
		DefaultKeySizeBits: cfg.Keys.DefaultSizeBits,
		KeyExpiry:          cfg.Keys.Expiry,
		ReplenishPeriod:    cfg.Pool.ReplenishPeriod,
		CleanupPeriod:      cfg.Pool.CleanupPeriod,
		EmergencyBatchSize: cfg.Pool.EmergencyBatchSize,
	}, m, logger)

	var dlqClient *dlq.Client
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if dlqClient, err = dlq.NewClient(rdb, cfg.Redis.DLQMaxLen, logger); err != nil {
			return err
		}
	} else {
		logger.Info("no Redis configured, audit DLQ disabled")
	}

	recorder, err := audit.NewRecorder(db, dlqClient, audit.RecorderConfig{
		BufferSize: cfg.Audit.BufferSize,
		BatchSize:  cfg.Audit.BatchSize,
		FlushEvery: cfg.Audit.FlushEvery,
	}, logger, m)
	if err != nil {
		return err
	}

	validator := etsi.NewValidator(etsi.Limits{
		DefaultKeySize:    cfg.Keys.DefaultSizeBits,
		MinKeySize:        cfg.Keys.MinSizeBits,
		MaxKeySize:        cfg.Keys.MaxSizeBits,
		MaxKeysPerRequest: cfg.Keys.MaxKeysPerRequest,
		MaxSAEIDCount:     cfg.Keys.MaxSAEIDCount,
	})

	svc := pipeline.NewService(pipeline.Config{
		SourceKMEID: cfg.KME.ID,
		TargetKMEID: cfg.KME.TargetID,
		KeyExpiry:   cfg.Keys.Expiry,
	}, keyStore, poolMgr, gen, validator, recorder, m, logger)

	srv, err := server.New(server.Options{
		Config:   cfg.Server,
		Service:  svc,
		SAEs:     saeStore,
		Metrics:  m,
		Registry: registry,
		DLQ:      dlqClient,
		DLQDrain: recorder.ReplayHandler(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return ignoreCancel(poolMgr.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(poolMgr.RunCleanup(gctx)) })
	g.Go(func() error { return ignoreCancel(recorder.Run(gctx)) })

	if cfg.Alerts.SlackWebhookURL != "" {
		notifier, err := notify.NewSlackNotifier(cfg.Alerts.SlackWebhookURL, cfg.Alerts.SlackChannel, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(notifier.Run(gctx, poolMgr, cfg.Alerts.Period)) })
	}

	return g.Wait()
}

// connectDatabase opens the pool and pings with retries so the KME
// tolerates the database coming up after it.
func connectDatabase(ctx context.Context, cfg *config.Config, logger logr.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	const attempts = 10
	for i := 1; ; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}
		if i >= attempts || ctx.Err() != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database unreachable after %d attempts: %w", i, err)
		}
		logger.Info("database not ready, retrying", "attempt", i, "error", err.Error())
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

// ignoreCancel keeps a clean shutdown from surfacing as a group error.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
