package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/ShipRadar/config"
	"github.com/BearBump/ShipRadar/internal/cache/rediscache"
	"github.com/BearBump/ShipRadar/internal/queue/redisqueue"
	"github.com/BearBump/ShipRadar/internal/services/scheduler"
	"github.com/BearBump/ShipRadar/internal/storage/pgshipment"
)

type schedulerFactories struct {
	newStorage func(cfg *config.Config) (scheduler.Repository, func(), error)
	newQueue   func(cfg *config.Config) (scheduler.Enqueuer, func(), error)
	newLocker  func(cfg *config.Config) (scheduler.Locker, func(), error)
}

func defaultSchedulerFactories() schedulerFactories {
	return schedulerFactories{
		newStorage: func(cfg *config.Config) (scheduler.Repository, func(), error) {
			st, err := pgshipment.New(connString(cfg))
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newQueue: func(cfg *config.Config) (scheduler.Enqueuer, func(), error) {
			q := redisqueue.New(redisAddr(cfg))
			return q, func() { _ = q.Close() }, nil
		},
		newLocker: func(cfg *config.Config) (scheduler.Locker, func(), error) {
			c := rediscache.New(redisAddr(cfg))
			return c, func() { _ = c.Close() }, nil
		},
	}
}

func buildScheduler(cfg *config.Config, f schedulerFactories) (*scheduler.Scheduler, func(), error) {
	repo, closeStorage, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	q, closeQueue, err := f.newQueue(cfg)
	if err != nil {
		if closeStorage != nil {
			closeStorage()
		}
		return nil, nil, err
	}

	locker, closeLocker, err := f.newLocker(cfg)
	if err != nil {
		if closeQueue != nil {
			closeQueue()
		}
		if closeStorage != nil {
			closeStorage()
		}
		return nil, nil, err
	}

	queueName := cfg.Scheduler.QueueName
	if queueName == "" {
		queueName = "poll-jobs"
	}
	tick := time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second
	if tick <= 0 {
		tick = 15 * time.Minute
	}
	batchSize := cfg.Scheduler.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	maxPerRun := cfg.Scheduler.MaxEnqueuesPerRun
	if maxPerRun <= 0 {
		maxPerRun = 10000
	}

	s := scheduler.New(repo, q, locker, queueName).
		WithSettings(tick, batchSize, maxPerRun)

	cleanup := func() {
		if closeLocker != nil {
			closeLocker()
		}
		if closeQueue != nil {
			closeQueue()
		}
		if closeStorage != nil {
			closeStorage()
		}
	}
	return s, cleanup, nil
}

// RunShipScheduler собирает шедулер и блокируется до отмены контекста.
// onBuilt отдаёт собранный шедулер наружу (для ops HTTP), может быть nil.
func RunShipScheduler(ctx context.Context, cfg *config.Config, f schedulerFactories, onBuilt func(*scheduler.Scheduler)) error {
	s, cleanup, err := buildScheduler(cfg, f)
	if err != nil {
		return err
	}
	defer cleanup()
	if onBuilt != nil {
		onBuilt(s)
	}

	return s.Run(ctx)
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func redisAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}
