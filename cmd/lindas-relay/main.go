package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	httpapi "github.com/i474232898/lindas-relay/internal/api/http"
	"github.com/i474232898/lindas-relay/internal/common"
	"github.com/i474232898/lindas-relay/internal/config"
	"github.com/i474232898/lindas-relay/internal/hydro"
	"github.com/i474232898/lindas-relay/internal/hydro/gfroerli"
	"github.com/i474232898/lindas-relay/internal/hydro/lindas"
	"github.com/i474232898/lindas-relay/internal/logging"
	"github.com/i474232898/lindas-relay/internal/metrics"
	"github.com/i474232898/lindas-relay/internal/report"
	"github.com/i474232898/lindas-relay/internal/scheduler"
	"github.com/i474232898/lindas-relay/internal/store"
)

const appName = "lindas-relay"

var version = "dev"

// cursorStore is a hydro.CursorStore backed by a closable resource.
type cursorStore interface {
	hydro.CursorStore
	io.Closer
}

func main() {
	once := flag.Bool("once", false, "run a single fetch cycle, print the outcomes and exit")
	configPath := flag.String("config", "", "path to the stations TOML file (default $STATIONS_FILE or config.toml)")
	flag.Parse()

	os.Exit(run(*once, *configPath))
}

func run(once bool, configPath string) int {
	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	log := logging.New(cfg.AppEnv, cfg.LogLevel, version, appName)
	slog.SetDefault(log)

	registry, err := hydro.NewRegistry(cfg.Stations)
	if err != nil {
		log.Error("invalid station configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cursors, err := openCursorStore(ctx, cfg)
	if err != nil {
		log.Error("failed to open cursor store", "store", cfg.CursorStore, "error", err)
		return 1
	}
	defer cursors.Close()

	// Shared HTTP client for outbound calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}
	backoff := common.BackoffConfig{
		MaxRetries:      cfg.RelayMaxRetries,
		InitialInterval: cfg.RelayBackoffInitial,
		MaxInterval:     cfg.RelayBackoffMax,
	}

	source := lindas.NewClient(httpClient, lindas.Config{
		Endpoint:    cfg.SPARQLEndpoint,
		BatchSize:   cfg.QueryBatchSize,
		Concurrency: cfg.QueryConcurrency,
		RateLimit:   cfg.SPARQLRateLimit,
		Backoff:     backoff,
	})
	relayer := gfroerli.NewClient(httpClient, gfroerli.Config{
		APIURL:  cfg.GfroerliAPIURL,
		APIKey:  cfg.GfroerliAPIKey,
		Backoff: backoff,
	})

	collector := metrics.NewCollector("lindas_relay")
	reporters := []hydro.Reporter{
		report.LogReporter{Logger: log},
		collector,
	}
	if cfg.MQTTBroker != "" {
		client, err := report.ConnectMQTT(ctx, cfg.MQTTBroker, appName+"-"+uuid.NewString()[:8])
		if err != nil {
			log.Warn("mqtt disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer client.Disconnect(250)
			reporters = append(reporters, report.NewMQTTReporter(client, cfg.MQTTTopic, log))
		}
	}

	service := hydro.NewService(registry, source, relayer, cursors, hydro.Options{
		StalenessBound:   cfg.StalenessBound,
		ClockSkew:        cfg.ClockSkew,
		RelayConcurrency: cfg.RelayConcurrency,
		CycleTimeout:     cfg.CycleTimeout,
		Logger:           log,
		Reporters:        reporters,
	})

	if once {
		summary, _ := service.RunCycle(ctx)
		if err := report.WriteTable(os.Stdout, summary); err != nil {
			log.Error("failed to write outcome table", "error", err)
		}
		if summary.Aborted() {
			return 1
		}
		return 0
	}

	// Scheduler that periodically runs fetch cycles.
	sched := scheduler.New(cfg.FetchInterval, service, collector, log)
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		return 1
	}

	app := newApp(service, collector.Handler())
	go func() {
		if err := app.Listen(cfg.Addr()); err != nil {
			log.Error("fiber server stopped", "error", err)
		}
	}()
	log.Info("lindas relay started", "addr", cfg.Addr(), "stations", registry.Len())

	// Wait for termination signal
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	sched.Stop()
	return 0
}

func openCursorStore(ctx context.Context, cfg *config.AppConfig) (cursorStore, error) {
	switch cfg.CursorStore {
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.CursorSQLitePath)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

func newApp(service httpapi.CycleService, metricsHandler http.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": appName,
			"state":   service.State(),
		})
	})

	httpapi.RegisterRoutes(app, service, metricsHandler)
	return app
}
