package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/spf13/cobra"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	_ "github.com/pocketpaw/pocketpaw/internal/agent/backends/openai"
	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/channels/discord"
	"github.com/pocketpaw/pocketpaw/internal/channels/slack"
	"github.com/pocketpaw/pocketpaw/internal/channels/telegram"
	"github.com/pocketpaw/pocketpaw/internal/channels/websocket"
	"github.com/pocketpaw/pocketpaw/internal/channels/whatsapp"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/lifecycle"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

const shutdownTimeout = 15 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the engine and its channel adapters",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)
	slog.Info("starting pocketpaw", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := lifecycle.NewRegistry()
	msgBus := bus.New()
	registry.Register("bus", func(context.Context) error {
		msgBus.Close()
		return nil
	})

	router := agent.NewRouter(cfg)

	store, err := buildMemoryStore(cfg, router)
	if err != nil {
		slog.Error("memory store init failed", "error", err)
		os.Exit(1)
	}

	auditLog, err := audit.Open(config.ExpandHome(cfg.Security.AuditDB))
	if err != nil {
		slog.Error("audit log init failed", "error", err)
		os.Exit(1)
	}
	registry.Register("audit", func(context.Context) error { return auditLog.Close() })

	var deep agent.DeepScanner
	if cfg.Security.InjectionScanLLM {
		deep = agent.NewDeepScanner(router)
	}

	orch := agent.NewOrchestrator(cfg, agent.OrchestratorDeps{
		Bus:      msgBus,
		Store:    store,
		Router:   router,
		Commands: agent.NewCommandHandler(cfg, store),
		Builder:  agent.NewContextBuilder(cfg, store),
		Scanner:  agent.NewScanner(deep),
		Audit:    auditLog,
		Limiter:  channels.NewSenderRateLimiter(cfg.Security.RateLimitPerMinute),
	})

	manager := channels.NewManager(msgBus)
	registerAdapters(cfg, msgBus, manager)
	manager.StartAll(ctx)
	// Adapters stop before the bus closes so no in-flight publish is lost.
	registry.Register("channels", func(stopCtx context.Context) error {
		manager.StopAll(stopCtx)
		return nil
	})

	go func() {
		if err := config.Watch(ctx, cfgPath, orch.UpdateConfig); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(ctx)
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")
	select {
	case <-orchDone:
	case <-time.After(shutdownTimeout):
		slog.Warn("orchestrator did not drain in time")
	}
	registry.Shutdown(shutdownTimeout)
}

// buildMemoryStore assembles the configured memory backend.
func buildMemoryStore(cfg *config.Config, router *agent.Router) (memory.Store, error) {
	dir := config.ExpandHome(cfg.Memory.Dir)
	base, err := memory.NewFileStore(dir, cfg.OwnerID)
	if err != nil {
		return nil, err
	}
	var extract memory.ExtractorFunc
	if cfg.Memory.FileAutoLearn || cfg.Memory.Mem0AutoLearn {
		extract = agent.NewFactExtractor(router)
	}
	if cfg.Memory.Backend != "semantic" {
		base.SetExtractor(extract)
		return base, nil
	}

	emb := cfg.Memory.Embedding
	if emb.APIKey == "" {
		slog.Warn("semantic memory configured without embedding api_key, using file backend")
		base.SetExtractor(extract)
		return base, nil
	}
	baseURL := emb.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	embed := chromem.NewEmbeddingFuncOpenAICompat(baseURL, emb.APIKey, emb.Model, nil)

	return memory.NewSemanticStore(base, filepath.Join(dir, "vectors"), embed, extract)
}

// registerAdapters wires every enabled channel into the manager.
func registerAdapters(cfg *config.Config, msgBus *bus.MessageBus, manager *channels.Manager) {
	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram adapter init failed", "error", err)
		} else if err := manager.Register(a); err != nil {
			slog.Error("telegram adapter register failed", "error", err)
		}
	}
	if cfg.Channels.Discord.Enabled {
		a, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord adapter init failed", "error", err)
		} else if err := manager.Register(a); err != nil {
			slog.Error("discord adapter register failed", "error", err)
		}
	}
	if cfg.Channels.Slack.Enabled {
		if err := manager.Register(slack.New(cfg.Channels.Slack, msgBus)); err != nil {
			slog.Error("slack adapter register failed", "error", err)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if err := manager.Register(whatsapp.New(cfg.Channels.WhatsApp, msgBus)); err != nil {
			slog.Error("whatsapp adapter register failed", "error", err)
		}
	}
	if cfg.Channels.WebSocket.Enabled {
		if err := manager.Register(websocket.New(cfg.Channels.WebSocket, msgBus)); err != nil {
			slog.Error("websocket adapter register failed", "error", err)
		}
	}
}
