// Command engine is the maccas fleet engine process: it owns the delay
// queue, the account lock, the token refresh state machine, the offer
// refresh pipeline, the event dispatcher, the job scheduler, and the
// admin/health HTTP surface described in spec.md. A single binary runs
// every component; horizontal scale comes from running more replicas
// against the same Postgres instance, coordinated by the Postgres-backed
// queue leases and account locks rather than any in-process partitioning.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/maccas-fleet/engine/internal/config"
	"github.com/maccas-fleet/engine/internal/database"
	"github.com/maccas-fleet/engine/pkg/accountlock"
	"github.com/maccas-fleet/engine/pkg/audit"
	"github.com/maccas-fleet/engine/pkg/events"
	"github.com/maccas-fleet/engine/pkg/jobs"
	"github.com/maccas-fleet/engine/pkg/metrics"
	"github.com/maccas-fleet/engine/pkg/offercache"
	"github.com/maccas-fleet/engine/pkg/offers"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/redemption"
	"github.com/maccas-fleet/engine/pkg/resilience"
	"github.com/maccas-fleet/engine/pkg/token"
	"github.com/maccas-fleet/engine/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration file")
	flag.Parse()

	log := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	log.SetLevel(parseLevel(cfg.Logging.Level))

	dbCfg := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
	db, err := database.Connect(dbCfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(db.DB); err != nil {
		log.WithError(err).Fatal("failed to apply database migrations")
	}

	var cacheBus *redis.Client
	if cfg.CacheBus.Addr != "" {
		cacheBus = redis.NewClient(&redis.Options{
			Addr:     cfg.CacheBus.Addr,
			Password: cfg.CacheBus.Password,
		})
		defer cacheBus.Close()
	}

	backoff := resilience.Backoff{Initial: cfg.Retry.InitialBackoff, MaxAttempts: cfg.Retry.MaxAttempts}

	locks := accountlock.NewManager(db, log)
	upstreamClient := upstream.NewHTTPClient(
		cfg.Upstream.BaseURL, cfg.Upstream.ClientID, cfg.Upstream.ClientSecret, cfg.Upstream.SensorData,
		cfg.Upstream.CircuitResetTimeout, log,
	)
	flags := upstream.NewHTTPFeatureFlags(cfg.FeatureFlag.Endpoint, log)

	tokenStore := token.NewSQLStore(db)
	tokenManager := token.NewManager(tokenStore, upstreamClient, locks, cfg.Lock.RedemptionTTL, log)

	cache := offercache.New(cacheBus, cfg.CacheBus.Channel, log)
	if cacheBus != nil {
		go cache.Subscribe(context.Background())
	}

	eventQueue := queue.New(db, queue.EventProcessingQueue)
	eventStore := events.NewSQLStore(db)

	offersStore := offers.NewSQLStore(db)
	offersPipeline := offers.NewPipeline(tokenManager, upstreamClient, offersStore, cache, eventStore, eventQueue, log)

	auditSink := audit.NewSink(db)
	cleanupStore := jobs.NewSQLCleanupStore(db)
	cleanupHandler := jobs.NewCleanupHandler(cleanupStore, tokenManager, upstreamClient, locks, auditSink, eventStore, eventQueue, log)

	imageStore := upstream.NewHTTPObjectStore(cfg.Image.StoreBaseURL)
	imageFetcher := offers.NewHTTPImageFetcher(cfg.Image.CDNBaseURL)
	imageHandler := offers.NewImageHandler(cfg.ImageBucket, imageFetcher, imageStore)
	refreshPointsHandler := offers.NewRefreshPointsHandler(tokenManager, upstreamClient, offersStore)
	cacheHandler := offers.NewCacheHandler(offersStore, cache)

	dispatcher := events.NewDispatcher(eventStore, eventQueue, flags, backoff, cfg.Dispatcher.MaxConcurrency, cfg.Dispatcher.VisibilityTimeout, log)
	dispatcher.Register(jobs.CleanupEvent, cleanupHandler.Handle)
	dispatcher.Register(jobs.RefreshAccountEvent, refreshAccountHandler(offersPipeline, log))
	dispatcher.Register(offers.SaveImageEvent, imageHandler.Handle)
	dispatcher.Register(offers.RefreshPointsEvent, refreshPointsHandler.Handle)
	dispatcher.Register(offers.PopulateOfferDetailsCacheEvent, cacheHandler.HandlePopulateAll)
	dispatcher.Register(offers.PopulateOfferDetailsCacheForEvent, cacheHandler.HandlePopulateOne)
	dispatcher.Register(offers.NewOfferFoundEvent, cacheHandler.HandleNewOfferFound)

	// redemptionService is constructed so the dealstack-add path is fully
	// wired against this process's shared locks/tokens/audit/event
	// dependencies; the GraphQL/REST edge that would call AddDeal is out
	// of scope here, so nothing in this binary invokes it yet.
	redemptionStore := redemption.NewSQLStore(db)
	redemptionService := redemption.NewService(redemptionStore, tokenManager, upstreamClient, locks, auditSink, eventStore, eventQueue, cfg.Lock.RedemptionTTL, log)
	_ = redemptionService

	batchJobQueue := queue.New(db, queue.BatchJobQueue)
	jobStore := jobs.NewSQLStore(db)
	scheduler := jobs.NewScheduler(jobStore, batchJobQueue, cfg.Scheduler.TickInterval, log)
	dispatcher.SetJobRunner(scheduler)

	refreshSweepStore := jobs.NewSQLRefreshSweepStore(db)
	refreshSweepJob := jobs.NewRefreshSweepJob(refreshSweepStore, offersPipeline)
	scheduler.Register(&jobs.Job{
		Name:     jobs.RefreshSweepName,
		Schedule: cron.Every(cfg.Scheduler.RefreshSweepInterval),
		Execute:  refreshSweepJob.Execute,
	})

	adminServer := metrics.NewServer(cfg.Admin.Port, log, func() error {
		return db.Ping()
	})
	adminServer.StartAsync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Init(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize job scheduler")
	}

	go dispatcher.Run(ctx)
	go scheduler.Run(ctx)

	log.Info("engine started")
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin server did not shut down cleanly")
	}
}

// refreshAccountHandler adapts offers.Pipeline.RefreshAccount into an
// events.Handler for the RefreshAccount event, which the cleanup handler
// schedules as its follow-up. The refresh sweep job calls the pipeline
// directly instead.
func refreshAccountHandler(pipeline *offers.Pipeline, log *logrus.Logger) events.Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var payload struct {
			AccountID uuid.UUID `json:"account_id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			log.WithError(err).Error("invalid RefreshAccount payload")
			return err
		}
		return pipeline.RefreshAccount(ctx, payload.AccountID)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	return log
}

func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
