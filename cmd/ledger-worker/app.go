package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/TrackLedger/config"
	"github.com/BearBump/TrackLedger/internal/broker/jobqueue"
	"github.com/BearBump/TrackLedger/internal/broker/kafka"
	"github.com/BearBump/TrackLedger/internal/cache"
	"github.com/BearBump/TrackLedger/internal/cache/rediscache"
	"github.com/BearBump/TrackLedger/internal/integrations/filestore"
	"github.com/BearBump/TrackLedger/internal/integrations/filestore/httpstore"
	"github.com/BearBump/TrackLedger/internal/integrations/filestore/localfs"
	"github.com/BearBump/TrackLedger/internal/integrations/notify"
	"github.com/BearBump/TrackLedger/internal/integrations/notify/kafkanotify"
	"github.com/BearBump/TrackLedger/internal/integrations/notify/lognotify"
	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/dispatch"
	"github.com/BearBump/TrackLedger/internal/services/importjobs"
	"github.com/BearBump/TrackLedger/internal/services/interests"
	"github.com/BearBump/TrackLedger/internal/services/projections"
	"github.com/BearBump/TrackLedger/internal/services/reconcile"
	"github.com/BearBump/TrackLedger/internal/services/resolver"
	"github.com/BearBump/TrackLedger/internal/storage/pgledger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// ledgerStore is everything the worker needs from the ledger database.
type ledgerStore interface {
	reconcile.Ledger
	importjobs.Repository
	projections.Store
	resolver.Store
	interests.Repository
	CreateUploadJob(ctx context.Context, in models.UploadJobInput) (*models.UploadJob, error)
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	ListShipmentsByTracking(ctx context.Context, trackingNumber string) ([]*models.Shipment, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (store ledgerStore, closeFn func(), err error)
	newProducer    func(cfg *config.Config) (pub publisher, closeFn func())
	newConsumer    func(cfg *config.Config) (c dispatch.Consumer, closeFn func())
	newCache       func(cfg *config.Config) (c resolver.Cache, gens cache.Generations, closeFn func())
	newRateLimiter func(cfg *config.Config) importjobs.RateLimiter
	newFileStore   func(cfg *config.Config) filestore.Store
	newNotifier    func(cfg *config.Config, pub publisher) notify.Notifier
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (ledgerStore, func(), error) {
			st, err := openLedgerWithRetry(cfg.Database.ConnString(), 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			if cfg.Ledger.ChunkSize > 0 {
				st.WithChunkSize(cfg.Ledger.ChunkSize)
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) (publisher, func()) {
			p := kafka.NewProducer(kafkaBrokers(cfg))
			return p, func() { _ = p.Close() }
		},
		newConsumer: func(cfg *config.Config) (dispatch.Consumer, func()) {
			c := kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers: kafkaBrokers(cfg),
				Topic:   jobsTopic(cfg),
				GroupID: consumerGroup(cfg),
			})
			return c, func() { _ = c.Close() }
		},
		newCache: func(cfg *config.Config) (resolver.Cache, cache.Generations, func()) {
			rc := rediscache.New(redisAddr(cfg))
			return rc, rc, func() { _ = rc.Close() }
		},
		newRateLimiter: func(cfg *config.Config) importjobs.RateLimiter {
			return rediscache.NewRateLimiter(redisAddr(cfg))
		},
		newFileStore: func(cfg *config.Config) filestore.Store {
			// Remote blob service when configured, otherwise a local upload directory.
			if cfg.Ledger.FileStoreBaseURL != "" {
				return httpstore.New(cfg.Ledger.FileStoreBaseURL, cfg.Ledger.FileStoreAPIKey)
			}
			dir := cfg.Ledger.FilesDir
			if dir == "" {
				dir = "./uploads"
			}
			return localfs.New(dir)
		},
		newNotifier: func(cfg *config.Config, pub publisher) notify.Notifier {
			if cfg.Kafka.NotifyTopicName != "" && pub != nil {
				return kafkanotify.New(pub, cfg.Kafka.NotifyTopicName)
			}
			return lognotify.New(logger.WithComponent("notify"))
		},
	}
}

func openLedgerWithRetry(connString string, wait time.Duration) (*pgledger.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgledger.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

func kafkaBrokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}

func redisAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}

func jobsTopic(cfg *config.Config) string {
	if cfg.Kafka.JobsTopicName == "" {
		return "ledger.jobs"
	}
	return cfg.Kafka.JobsTopicName
}

func consumerGroup(cfg *config.Config) string {
	if cfg.Kafka.JobsConsumerGroup == "" {
		return "ledger-worker"
	}
	return cfg.Kafka.JobsConsumerGroup
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// RunLedgerWorker wires the ledger components and runs the import runner,
// the projection refresher, the job dispatcher and the ops HTTP server until
// ctx ends or one of them fails.
func RunLedgerWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	return runLedgerWorker(ctx, cfg, f, nil)
}

func runLedgerWorker(ctx context.Context, cfg *config.Config, f workerFactories, onListen func(addr string)) error {
	lc := cfg.Ledger
	maxRetries := lc.JobMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	linesPerMinute := int64(lc.LineRateLimitPerMinute)
	if linesPerMinute <= 0 {
		linesPerMinute = 60
	}
	httpAddr := lc.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8082"
	}

	store, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	pub, closePub := f.newProducer(cfg)
	if closePub != nil {
		defer closePub()
	}
	consumer, closeConsumer := f.newConsumer(cfg)
	if closeConsumer != nil {
		defer closeConsumer()
	}
	rc, gens, closeCache := f.newCache(cfg)
	if closeCache != nil {
		defer closeCache()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	queue := jobqueue.New(pub, jobsTopic(cfg), maxRetries)

	projector := projections.New(store, gens, m).
		WithSettings(seconds(lc.ProjectionRefreshSeconds, 180), 2*time.Minute)
	engine := reconcile.New(store, projector, f.newNotifier(cfg, pub), m, logger.WithComponent("reconcile"), reconcile.Settings{
		MasterSellerID:    lc.MasterSellerID,
		MinTrackingLength: lc.MinTrackingLength,
	})
	runner := importjobs.New(store, f.newFileStore(cfg), engine, queue, f.newRateLimiter(cfg), m).
		WithSettings(seconds(lc.RunnerTickSeconds, 30), 2*time.Minute, linesPerMinute).
		WithJobs(seconds(lc.JobLeaseSeconds, 600), lc.ParseChunkRecords, lc.SpoolDir)
	dispatcher := dispatch.New(consumer, runner, queue, dispatch.NewBackoff(dispatch.DefaultBackoffConfig(), nil), m)
	res := resolver.New(store, rc, seconds(lc.ResolveCacheTTLSeconds, 600), m)
	interestSvc := interests.New(store, projector, lc.InterestQuota)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return projector.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		err := runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:    httpAddr,
			swaggerPath: lc.SwaggerPath,
			onListen:    onListen,
			runner:      runner,
			projector:   projector,
			resolver:    res,
			interests:   interestSvc,
			uploads:     store,
			shipments:   store,
			ready:       store.Ping,
			metrics:     m.Handler(),
			cfg:         cfg,
		})
		if errors.Is(err, http.ErrServerClosed) {
			return gctx.Err()
		}
		return err
	})
	return g.Wait()
}
