package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/redis/go-redis/v9"

	"github.com/servisia/wa-engine/internal/campaign"
	"github.com/servisia/wa-engine/internal/dispatch"
	"github.com/servisia/wa-engine/internal/gateway"
	"github.com/servisia/wa-engine/internal/identity"
	"github.com/servisia/wa-engine/internal/ingest"
	"github.com/servisia/wa-engine/internal/notify"
	"github.com/servisia/wa-engine/internal/provider"
	"github.com/servisia/wa-engine/internal/session"
	"github.com/servisia/wa-engine/internal/storage"
	"github.com/servisia/wa-engine/pkg/bus"
	"github.com/servisia/wa-engine/pkg/env"
	"github.com/servisia/wa-engine/pkg/log"
	"github.com/servisia/wa-engine/pkg/router"
	"github.com/servisia/wa-engine/pkg/secrets"
)

type Server struct {
	Address string
	Port    string
}

func main() {
	// Initialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Initialize Fiber
	app := fiber.New(fiber.Config{
		ErrorHandler: router.HttpErrorHandler,
		BodyLimit:    router.BodyLimitBytes(),
	})

	app.Use(router.HttpRequestID())
	app.Use(router.RecoveryMiddleware())

	app.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE",
	}))

	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	app.Use(router.HttpRealIP())

	app.Get("/favicon.ico", router.ResponseNoContent)

	// Storage
	store, err := storage.NewPostgres(env.MustGetEnvString("DATABASE_URL"))
	if err != nil {
		log.Print(nil).WithError(err).Fatal("Failed to open database")
	}
	defer store.Close()

	// Secret store: Redis when configured, in-memory otherwise.
	var secretStore secrets.Store
	if redisURL := env.GetEnvStringOrDefault("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Print(nil).WithError(err).Fatal("Invalid REDIS_URL")
		}
		secretStore = secrets.NewRedisStore(redis.NewClient(opts))
	} else {
		log.Print(nil).Warn("REDIS_URL not set, session tokens will not survive restarts")
		secretStore = secrets.NewMemoryStore()
	}
	defer secretStore.Close()

	// Core wiring
	b := bus.New()
	gw := gateway.New(
		env.MustGetEnvString("WA_GATEWAY_URL"),
		env.MustGetEnvString("WA_GATEWAY_PASSWORD"),
	)
	normalizer := identity.New(env.GetEnvStringOrDefault("COUNTRY_PREFIX", identity.DefaultCountryPrefix), store)
	scheduler := dispatch.New(env.GetEnvDurationOrDefault("DISPATCH_DELAY", dispatch.DefaultDelay))
	registry := session.New(gw, scheduler, secretStore, b,
		env.GetEnvDurationOrDefault("SESSION_RECONNECT_DELAY", session.DefaultReconnectDelay))
	factory := provider.NewFactory(gw)
	notifier := notify.New(store, scheduler, gw, normalizer)

	pipeline := ingest.NewPipeline(store, normalizer, b, registry, notifier,
		env.GetEnvStringOrDefault("WEBHOOK_DEFAULT_URL", ""))
	meta := ingest.NewMetaHandler(pipeline,
		env.GetEnvStringOrDefault("META_VERIFY_TOKEN", ""),
		env.GetEnvStringOrDefault("META_APP_SECRET", ""))

	// Routes
	api := app.Group("/api/v1")
	ingest.NewController(pipeline, meta).Register(api)

	app.Get("/health", func(c *fiber.Ctx) error {
		return router.ResponseSuccessWithData(c, "ok", fiber.Map{
			"sessions": len(registry.All()),
		})
	})
	app.Get("/api/v1/gateway/health", func(c *fiber.Ctx) error {
		if err := gw.Health(c.UserContext()); err != nil {
			return router.ResponseInternalError(c, err.Error())
		}
		return router.ResponseSuccess(c, "gateway ok")
	})

	// Startup: restore persisted sessions in the background.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := registry.Restore(ctx); err != nil {
			log.Print(nil).WithError(err).Error("Failed to restore sessions")
		}
	}()

	// Routines: campaign queue drain and gateway token refresh.
	processor := campaign.New(store, factory, normalizer)
	if _, err := c.AddFunc("*/15 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := processor.Tick(ctx); err != nil {
			log.Print(nil).WithError(err).Error("Campaign tick failed")
		}
	}); err != nil {
		log.Print(nil).WithError(err).Fatal("Failed to register campaign cron")
	}

	if _, err := c.AddFunc("0 */10 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		registry.RefreshTokens(ctx)
	}); err != nil {
		log.Print(nil).WithError(err).Fatal("Failed to register token refresh cron")
	}

	c.Start()

	// Server configuration with defaults
	serverConfig := Server{
		Address: env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0"),
		Port:    env.GetEnvStringOrDefault("SERVER_PORT", "7001"),
	}

	go func() {
		if err := app.Listen(serverConfig.Address + ":" + serverConfig.Port); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for shutdown signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := app.ShutdownWithContext(ctxShutdown); err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	c.Stop()
	b.WaitAsync()
}
