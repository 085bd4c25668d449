package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipRadar/config"
	"github.com/BearBump/ShipRadar/internal/broker/kafka"
	"github.com/BearBump/ShipRadar/internal/cache"
	"github.com/BearBump/ShipRadar/internal/cache/rediscache"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/fake"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/fedexhttp"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/tokencache"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/upshttp"
	"github.com/BearBump/ShipRadar/internal/integrations/carrier/uspsxml"
	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/BearBump/ShipRadar/internal/queue"
	"github.com/BearBump/ShipRadar/internal/queue/redisqueue"
	"github.com/BearBump/ShipRadar/internal/services/pollworker"
	"github.com/BearBump/ShipRadar/internal/storage/pgshipment"
)

type refreshConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStorage         func(cfg *config.Config) (pollworker.Repository, func(), error)
	newQueue           func(cfg *config.Config) queue.Queue
	newProducer        func(cfg *config.Config) pollworker.Producer
	newRateLimiter     func(cfg *config.Config) pollworker.RateLimiter
	newMerchantCache   func(cfg *config.Config) cache.BytesCache
	newCarrierClients  func(cfg *config.Config, tokens *tokencache.Cache) map[models.Carrier]carrier.Client
	newRefreshConsumer func(cfg *config.Config) refreshConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (pollworker.Repository, func(), error) {
			st, err := pgshipment.New(connString(cfg))
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newQueue: func(cfg *config.Config) queue.Queue {
			return redisqueue.New(redisAddr(cfg))
		},
		newProducer: func(cfg *config.Config) pollworker.Producer {
			return kafka.NewProducer(kafkaBrokers(cfg))
		},
		newRateLimiter: func(cfg *config.Config) pollworker.RateLimiter {
			return rediscache.NewRateLimiter(redisAddr(cfg))
		},
		newMerchantCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(redisAddr(cfg))
		},
		newCarrierClients: func(cfg *config.Config, tokens *tokencache.Cache) map[models.Carrier]carrier.Client {
			if cfg.Carriers.UseFake {
				f := fake.New()
				return map[models.Carrier]carrier.Client{
					models.CarrierUPS:   f,
					models.CarrierFedEx: f,
					models.CarrierUSPS:  f,
				}
			}

			upsBase := cfg.Carriers.UPS.BaseURL
			if upsBase == "" {
				upsBase = "https://onlinetools.ups.com"
			}
			fedexBase := cfg.Carriers.FedEx.BaseURL
			if fedexBase == "" {
				fedexBase = "https://apis.fedex.com"
			}
			uspsBase := cfg.Carriers.USPSBaseURL
			if uspsBase == "" {
				uspsBase = "https://secure.shippingapis.com"
			}

			return map[models.Carrier]carrier.Client{
				models.CarrierUPS:   upshttp.New(upsBase, cfg.Carriers.UPS.ClientID, cfg.Carriers.UPS.ClientSecret, tokens),
				models.CarrierFedEx: fedexhttp.New(fedexBase, cfg.Carriers.FedEx.ClientID, cfg.Carriers.FedEx.ClientSecret, tokens),
				models.CarrierUSPS:  uspsxml.New(uspsBase, cfg.Carriers.USPSUserID),
			}
		},
		newRefreshConsumer: func(cfg *config.Config) refreshConsumer {
			topic := cfg.Kafka.RefreshRequestedTopicName
			if topic == "" {
				topic = "shipment.refresh.requested"
			}
			group := cfg.Kafka.ConsumerGroup
			if group == "" {
				group = "ship-worker"
			}
			return kafka.NewConsumer(kafkaBrokers(cfg), topic, group)
		},
	}
}

func buildWorker(cfg *config.Config, f workerFactories) (*pollworker.Worker, func(), error) {
	repo, closeStorage, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	tokens := tokencache.New()
	clients := f.newCarrierClients(cfg, tokens)
	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	q := f.newQueue(cfg)

	queueName := cfg.Worker.QueueName
	if queueName == "" {
		queueName = "poll-jobs"
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	trackTimeout := time.Duration(cfg.Worker.TrackTimeoutSeconds) * time.Second
	if trackTimeout <= 0 {
		trackTimeout = 30 * time.Second
	}
	rlPerMin := int64(cfg.Worker.RateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	limits := map[models.Carrier]int64{}
	if n := cfg.Worker.RateLimitUPSPerMinute; n > 0 {
		limits[models.CarrierUPS] = int64(n)
	}
	if n := cfg.Worker.RateLimitFedExPerMinute; n > 0 {
		limits[models.CarrierFedEx] = int64(n)
	}
	if n := cfg.Worker.RateLimitUSPSPerMinute; n > 0 {
		limits[models.CarrierUSPS] = int64(n)
	}

	w := pollworker.New(repo, clients, producer, rl, q, queueName).
		WithSettings(concurrency, trackTimeout, rlPerMin).
		WithCarrierRateLimits(limits).
		WithTopics(cfg.Kafka.ShipmentUpdatedTopicName, cfg.Kafka.ShipmentDelayedTopicName)
	if f.newMerchantCache != nil {
		w = w.WithMerchantCache(f.newMerchantCache(cfg), 5*time.Minute)
	}

	cleanup := func() {
		tokens.Flush()
		_ = q.Close()
		if closeStorage != nil {
			closeStorage()
		}
	}
	return w, cleanup, nil
}

// RunShipWorker собирает воркер и блокируется до отмены контекста.
// onBuilt отдаёт собранный воркер наружу (для ops HTTP), может быть nil.
func RunShipWorker(ctx context.Context, cfg *config.Config, f workerFactories, onBuilt func(*pollworker.Worker)) error {
	w, cleanup, err := buildWorker(cfg, f)
	if err != nil {
		return err
	}
	defer cleanup()
	if onBuilt != nil {
		onBuilt(w)
	}

	if f.newRefreshConsumer != nil {
		consumer := f.newRefreshConsumer(cfg)
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Consume(ctx, w.HandleRefresh); err != nil && ctx.Err() == nil {
				slog.Error("refresh consumer stopped", "error", err.Error())
			}
		}()
	}

	return w.Run(ctx)
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

func kafkaBrokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}
