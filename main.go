package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"coreflow-backend/alerts"
	"coreflow-backend/billing"
	"coreflow-backend/config"
	"coreflow-backend/controllers"
	"coreflow-backend/database"
	"coreflow-backend/eventstore"
	"coreflow-backend/idempotency"
	"coreflow-backend/middlewares"
	"coreflow-backend/ratelimit"
	"coreflow-backend/routes"
	"coreflow-backend/saga"
	"coreflow-backend/telemetry"
	"coreflow-backend/webhooks"
)

const usage = `usage: coreflow [serve|migrate|sweep|token <tenant> <user>]`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetLevel(logLevel(cfg.LogLevel))
	middlewares.SetJWTSecret(cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "serve":
		err = serve(ctx, cfg)
	case "migrate":
		err = database.Migrate(cfg.Database.DSN())
	case "sweep":
		err = sweep(ctx, cfg)
	case "token":
		if len(os.Args) != 4 {
			err = errors.New(usage)
			break
		}
		var token string
		if token, err = middlewares.GenerateJWT(os.Args[3], os.Args[2], 0); err == nil {
			fmt.Println(token)
		}
	default:
		err = errors.New(usage)
	}
	if err != nil {
		log.Errorw("exiting", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	}
	return log.LevelInfo
}

// services is the wired service graph shared by serve and sweep.
type services struct {
	billing     *billing.Service
	sagas       *saga.Coordinator
	webhooks    *webhooks.Service
	sweeper     *webhooks.Sweeper
	projector   *eventstore.Projector
	idempotency *idempotency.Service
}

func wire(cfg config.Config, db *gorm.DB) *services {
	alerter := alerts.LogAlerter{}
	coord := saga.NewCoordinator(saga.NewGormStore(db), alerter)
	bill := billing.NewService(db, coord)

	registry := webhooks.NewRegistry()
	bill.RegisterHandlers(registry)
	hooks := webhooks.NewService(webhooks.NewGormStore(db), registry, webhooks.Options{
		Backoff:        webhooks.BackoffFromConfig(cfg.Webhooks),
		MaxRetries:     cfg.Webhooks.MaxRetries,
		AttemptTimeout: cfg.Webhooks.AttemptTimeout,
		Alerter:        alerter,
	})

	return &services{
		billing:   bill,
		sagas:     coord,
		webhooks:  hooks,
		sweeper:   webhooks.NewSweeper(hooks, cfg.Webhooks),
		projector: eventstore.NewProjector(eventstore.NewGormStore(db), 500, billing.NewLedgerProjection(db)),
		idempotency: idempotency.NewService(idempotency.NewGormStore(db), idempotency.Options{
			TTL:         cfg.Idempotency.TTL,
			LockTimeout: cfg.Idempotency.LockTimeout,
			MaxAttempts: cfg.Idempotency.MaxAttempts,
		}),
	}
}

func open(ctx context.Context, cfg config.Config) (*gorm.DB, func(), error) {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(cfg.Database.DSN()); err != nil {
		return nil, nil, err
	}
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		database.Close(db)
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warnw("telemetry shutdown", "error", err)
		}
	}, nil
}

type sweepingLimiter interface {
	ratelimit.Limiter
	Run(ctx context.Context, interval time.Duration)
}

func limiters(ctx context.Context, cfg config.RateLimit) routes.Limiters {
	var client redis.UniversalClient
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client = redis.NewClient(&redis.Options{Addr: addr})
		go func() {
			<-ctx.Done()
			_ = client.Close()
		}()
		log.Infow("rate limits shared through redis", "addr", addr)
	}
	build := func(name string, p config.RateLimitProfile) ratelimit.Limiter {
		var l sweepingLimiter
		if client != nil {
			l = ratelimit.NewRedis(client, "ratelimit:"+name, p.Max, p.Window)
		} else {
			l = ratelimit.NewFixedWindow(p.Max, p.Window)
		}
		go l.Run(ctx, cfg.SweepInterval)
		return l
	}
	return routes.Limiters{
		API:    build("api", cfg.API),
		Auth:   build("auth", cfg.Auth),
		Strict: build("strict", cfg.Strict),
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	db, closeAll, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()
	svc := wire(cfg, db)

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler: middlewares.ErrorHandler,
		BodyLimit:    cfg.Server.BodyLimitBytes,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	app.Use(requestid.New())
	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.Environment != "production"}))
	app.Use(logger.New(logger.Config{Format: "${time} ${locals:requestid} ${status} ${method} ${path} ${latency}\n"}))

	// ---- CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key, X-Ops-Token",
		ExposeHeaders:    "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, Idempotent-Replayed, X-Transaction-ID",
	}))

	routes.Register(app, routes.Deps{
		DB: db,
		Handler: &controllers.Handler{
			Billing:     svc.billing,
			Sagas:       svc.sagas,
			Webhooks:    svc.webhooks,
			Sweeper:     svc.sweeper,
			Projector:   svc.projector,
			Idempotency: svc.idempotency,
			Saga:        cfg.Saga,
		},
		Limiters:    limiters(ctx, cfg.RateLimit),
		Idempotency: svc.idempotency,
		Config:      cfg,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Infow("API server starting", "port", cfg.Server.Port, "env", cfg.Environment)
		errCh <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(sctx)
}

// sweep runs one pass of every background job and exits; meant for cron.
func sweep(ctx context.Context, cfg config.Config) error {
	db, closeAll, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()
	svc := wire(cfg, db)

	var errs []error
	report, err := svc.sweeper.RetryDue(ctx)
	errs = append(errs, err)
	log.Infow("webhook retry pass", "due", report.Due, "recovered", report.Recovered,
		"rescheduled", report.Rescheduled, "abandoned", report.Abandoned, "errors", report.Errors)

	resumed, err := svc.sagas.Resume(ctx, cfg.Saga.StaleAfter, cfg.Saga.BatchSize)
	errs = append(errs, err)
	log.Infow("transactions resumed", "scanned", resumed.Scanned, "completed", resumed.Completed,
		"rolled_back", resumed.RolledBack, "failed", resumed.Failed)

	applied, err := svc.projector.RunOnce(ctx)
	errs = append(errs, err)
	log.Infow("projections caught up", "applied", applied)

	purged, err := svc.idempotency.Purge(ctx)
	errs = append(errs, err)
	log.Infow("idempotency keys purged", "deleted", purged)

	return errors.Join(errs...)
}
