package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"outreach/conditions"
	"outreach/config"
	controller "outreach/controllers"
	"outreach/eventstore"
	"outreach/middleware"
	"outreach/models"
	"outreach/orchestrator"
	"outreach/queue"
	"outreach/quota"
	"outreach/routes"
	"outreach/scheduler"
	"outreach/senders"
	"outreach/store"
	"outreach/utils"
	"outreach/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type backends struct {
	store   store.Store
	jobs    store.JobStore
	events  eventstore.Store
	counter quota.Counter
}

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	config.SetupLogging(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logrus.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	b, err := openBackends(cfg)
	if err != nil {
		logrus.Fatalf("Failed to open storage: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := utils.SystemClock()
	hub := orchestrator.NewHub()
	events := eventstore.WithNotify(b.events, hub.Publish)
	eval, err := conditions.NewEvaluator()
	if err != nil {
		logrus.Fatalf("Failed to build condition evaluator: %v", err)
	}
	tracker := utils.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	quotas := quota.NewTracker(b.counter, b.store, cfg.Engine.DailyDefaults, clock)

	rates := make(map[models.Channel]rate.Limit)
	for ch, perSecond := range cfg.Engine.SendRates {
		if perSecond > 0 {
			rates[ch] = rate.Limit(perSecond)
		}
	}
	var lanes queue.LaneLocker
	if config.Redis != nil {
		lanes = queue.NewRedisLaneLocker(config.Redis)
	}
	q := queue.New(b.jobs, events, quotas, clock, queue.Config{
		WorkerID:      cfg.WorkerID,
		Policies:      cfg.Engine.Policies,
		Rates:         rates,
		SendTimeouts:  cfg.Engine.SendTimeouts,
		LeaseTTL:      cfg.Engine.LeaseTTL,
		PollInterval:  cfg.Engine.PollInterval,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		Lanes:         lanes,
	})
	sched := scheduler.New(b.store, events, eval, q, quotas, clock)
	orch := orchestrator.New(orchestrator.Deps{
		Store:     b.store,
		Jobs:      b.jobs,
		Events:    events,
		Scheduler: sched,
		Queue:     q,
		Evaluator: eval,
		Clock:     clock,
		Hub:       hub,
	})
	q.SetHandler(orch)

	// Channel senders
	var (
		emailSender    senders.EmailSender
		linkedinSender senders.LinkedInExecutor
		smtp           *senders.SMTPSender
	)
	if cfg.DryRun {
		logrus.Warn("Dry-run mode: nothing leaves this process")
		recorder := senders.NewRecorder()
		emailSender, linkedinSender = recorder, recorder
	} else {
		smtp = senders.NewSMTPSender(cfg.Engine.SMTPPoolSize, senders.DialSMTP)
		emailSender = smtp
		linkedinSender = senders.NewLinkedInClient(cfg.LinkedIn.ServiceURL, cfg.LinkedIn.Token, cfg.Engine.SendTimeouts[models.ChannelLinkedIn])
	}
	worker.RegisterChannels(q, b.store, emailSender, linkedinSender, tracker)

	// Workers
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := q.Run(ctx); err != nil {
			utils.LogError("dispatch_queue", err, nil)
		}
	}()
	go func() {
		defer wg.Done()
		worker.NewRecoveryWorker(orch, cfg.Engine.RecoveryInterval).Start(ctx)
	}()

	// Create Fiber app
	app := fiber.New(fiber.Config{DisableStartupMessage: cfg.Environment == "production"})
	app.Use(middleware.CORS())

	var ingestStorage fiber.Storage
	if config.Redis != nil {
		ingestStorage = middleware.NewRedisStorage(config.Redis)
	}
	routes.SetupRoutes(app, routes.Options{
		Campaigns:     controller.NewCampaignController(orch, b.jobs, tracker),
		Live:          hub,
		IngestLimit:   cfg.Engine.IngestRateLimit,
		IngestStorage: ingestStorage,
	})

	go func() {
		<-ctx.Done()
		logrus.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.WithError(err).Warn("HTTP shutdown")
		}
	}()

	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Errorf("Server stopped: %v", err)
		stop()
	}

	wg.Wait()
	sched.Shutdown()
	if smtp != nil {
		smtp.Close()
	}
	if config.Redis != nil {
		_ = config.Redis.Close()
	}
	logrus.Info("Shutdown complete")
}

// openBackends picks the storage and quota implementations named in cfg.
func openBackends(cfg config.Config) (*backends, error) {
	b := &backends{}
	switch cfg.StoreBackend {
	case "memory":
		logrus.Warn("Using the in-memory store: state is lost on restart")
		mem := store.NewMemoryStore()
		b.store, b.jobs, b.events = mem, mem, eventstore.NewMemoryStore()
	default:
		if err := config.ConnectDB(); err != nil {
			return nil, err
		}
		gs := store.NewGormStore(config.DB)
		b.store, b.jobs, b.events = gs, gs, eventstore.NewGormStore(config.DB)
	}

	if cfg.QuotaBackend == "redis" || cfg.Redis.Enabled {
		if err := config.ConnectRedis(); err != nil {
			return nil, err
		}
	}
	switch cfg.QuotaBackend {
	case "redis":
		b.counter = quota.NewRedisCounter(config.Redis)
	case "memory":
		b.counter = quota.NewMemoryCounter()
	default:
		b.counter = quota.NewPostgresCounter(config.DB)
	}
	return b, nil
}
