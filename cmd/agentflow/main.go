// Command agentflow runs the multi-agent dispatch daemon: it accepts
// messages from the WhatsApp bridge and the dashboard, routes them to
// agents, runs model calls through a bounded worker pool, and serves
// the REST API plus the websocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/agentflow/internal/bridge"
	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/channels"
	"github.com/basket/agentflow/internal/config"
	"github.com/basket/agentflow/internal/cron"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/engine"
	"github.com/basket/agentflow/internal/gateway"
	"github.com/basket/agentflow/internal/invoker"
	otelPkg "github.com/basket/agentflow/internal/otel"
	"github.com/basket/agentflow/internal/persistence"
	"github.com/basket/agentflow/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	homeFlag := flag.String("home", "", "data directory (default: $AGENTFLOW_HOME or ~/.agentflow)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("agentflow", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*homeFlag)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()

	eventBus := bus.New()

	// Warnings and errors also land on the dashboard activity feed.
	logger = slog.New(telemetry.NewBusHandler(logger.Handler(), eventBus, slog.LevelWarn))
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	if err := seedDirectory(ctx, store, cfg, logger); err != nil {
		fatalStartup(logger, "E_SEED", err)
	}

	dir := directory.New(store)

	registry := invoker.NewRegistry(invoker.Credentials{
		AnthropicAPIKey: cfg.ProviderAPIKey("anthropic"),
		OpenAIAPIKey:    cfg.ProviderAPIKey("openai"),
	})
	if len(registry.Names()) == 0 {
		logger.Warn("no provider API keys configured; all model calls will fail")
	}
	router := invoker.NewRouter(registry)

	bridgeClient := bridge.New(cfg.BridgeURL, logger)
	var deliverer engine.Deliverer
	if bridgeClient != nil {
		deliverer = bridgeClient
	} else {
		logger.Warn("bridge_url not configured; replies will not be delivered")
	}

	eng := engine.New(engine.Config{
		Store:              store,
		Directory:          dir,
		Invoker:            router,
		Bus:                eventBus,
		Deliverer:          deliverer,
		Logger:             logger,
		Metrics:            metrics,
		Workers:            cfg.WorkerCount,
		QueueSize:          cfg.MaxQueueDepth,
		TaskTimeout:        cfg.TaskTimeout(),
		MaxFanoutDepth:     cfg.MaxFanoutDepth,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
	})
	if err := eng.Start(ctx); err != nil {
		fatalStartup(logger, "E_ENGINE_START", err)
	}
	logger.Info("startup phase", "phase", "engine_started", "workers", cfg.WorkerCount)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:            store,
		Logger:           logger,
		Schedule:         cfg.Retention.Schedule,
		TaskRetention:    time.Duration(cfg.Retention.TaskDays) * 24 * time.Hour,
		MessageRetention: time.Duration(cfg.Retention.MessageDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	if sweeper != nil {
		sweeper.Start(ctx)
	}

	// Re-seed agents and teams when config.yaml changes on disk.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			if err := seedDirectory(ctx, store, newCfg, logger); err != nil {
				logger.Error("config reload seeding failed", "error", err)
				continue
			}
			logger.Info("config hot-reloaded", "path", ev.Path)
		}
	}()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, eng, dir, eventBus, logger)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	gw := gateway.New(gateway.Config{
		Store:        store,
		Directory:    dir,
		Engine:       eng,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake, drain workers, stop the sweeper,
	// flush telemetry; the store closes via defer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := eng.Drain(cfg.DrainTimeout()); err != nil {
		logger.Warn("engine drain incomplete", "error", err)
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// seedDirectory upserts configured teams, agents, and groups. Teams go
// first without leaders so agent rows can reference them, then leaders
// are applied once the agents exist.
func seedDirectory(ctx context.Context, store *persistence.Store, cfg config.Config, logger *slog.Logger) error {
	for _, seed := range cfg.Teams {
		if _, err := store.UpsertTeam(ctx, persistence.Team{ID: seed.ID, Name: seed.Name}); err != nil {
			return fmt.Errorf("seed team %s: %w", seed.ID, err)
		}
	}
	for _, seed := range cfg.Agents {
		if seed.ID == "" {
			logger.Warn("skipping agent seed with empty id")
			continue
		}
		if _, err := store.UpsertAgent(ctx, persistence.Agent{
			ID:       seed.ID,
			Name:     seed.Name,
			Provider: seed.Provider,
			Model:    seed.Model,
			Soul:     seed.Soul,
			TeamID:   seed.TeamID,
		}); err != nil {
			return fmt.Errorf("seed agent %s: %w", seed.ID, err)
		}
	}
	for _, seed := range cfg.Teams {
		if seed.LeaderAgentID == "" {
			continue
		}
		team, err := store.GetTeam(ctx, seed.ID)
		if err != nil {
			return fmt.Errorf("seed team leader %s: %w", seed.ID, err)
		}
		team.Name = seed.Name
		team.LeaderAgentID = seed.LeaderAgentID
		if _, err := store.UpdateTeam(ctx, team); err != nil {
			return fmt.Errorf("seed team leader %s: %w", seed.ID, err)
		}
	}
	for _, seed := range cfg.Groups {
		g, err := store.UpsertGroup(ctx, persistence.Group{GroupID: seed.GroupID, Name: seed.Name})
		if err != nil {
			return fmt.Errorf("seed group %s: %w", seed.GroupID, err)
		}
		if g.Enabled != seed.Enabled {
			if _, err := store.SetGroupEnabled(ctx, seed.GroupID, seed.Enabled); err != nil {
				return fmt.Errorf("seed group %s: %w", seed.GroupID, err)
			}
		}
	}
	if len(cfg.Agents) > 0 || len(cfg.Teams) > 0 || len(cfg.Groups) > 0 {
		logger.Info("directory seeded",
			"agents", len(cfg.Agents), "teams", len(cfg.Teams), "groups", len(cfg.Groups))
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure (%s): %s\n", reasonCode, message)
	}
	os.Exit(1)
}
