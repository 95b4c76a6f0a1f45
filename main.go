package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"identswitch/checker"
	"identswitch/config"
	controller "identswitch/controllers"
	"identswitch/middleware"
	"identswitch/models"
	"identswitch/routes"
	"identswitch/session"
	"identswitch/worker"
)

func main() {
	logger := log.New(os.Stdout, "IDENTSWITCH: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	var sessionStore session.Store
	if config.AppConfig.Redis.Enabled {
		sessionStore = session.NewRedisStore(config.AppConfig.Redis)
	} else {
		logger.Println("Redis not configured, using in-memory sessions")
		sessionStore = session.NewMemoryStore()
	}

	accountStore := models.NewAccountStore(config.DB)
	manager := session.NewManager(sessionStore, accountStore, log.New(os.Stdout, "SESSION: ", log.LstdFlags))
	hub := controller.NewPushHub(log.New(os.Stdout, "PUSH: ", log.LstdFlags))

	mailChecker := checker.New(
		accountStore,
		checker.IMAPDialer{},
		hub,
		checker.Config{
			RoundRobin:  config.AppConfig.CheckRoundRobin,
			Timeout:     5 * time.Second,
			Parallelism: config.AppConfig.CheckParallelism,
			Defaults: checker.Defaults{
				Check:   config.AppConfig.Notify.Check,
				Basic:   config.AppConfig.Notify.Basic,
				Sound:   config.AppConfig.Notify.Sound,
				Desktop: config.AppConfig.Notify.Desktop,
			},
		},
		log.New(os.Stdout, "CHECK: ", log.LstdFlags),
	)

	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		Store:   accountStore,
		Manager: manager,
		Checker: mailChecker,
		Hub:     hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := time.Duration(config.AppConfig.CheckInterval) * time.Second
	checkWorker := worker.NewCheckWorker(mailChecker, manager, hub, interval, log.New(os.Stdout, "WORKER: ", log.LstdFlags))
	go checkWorker.Start(ctx)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
