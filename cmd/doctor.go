package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	_ "github.com/pocketpaw/pocketpaw/internal/agent/backends/openai"
	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/creds"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("pocketpaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %v\n", err)
		return
	}

	home := config.HomeDir()
	fmt.Printf("  Home:     %s", home)
	if _, err := os.Stat(home); err != nil {
		fmt.Println(" (missing, will be created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	memDir := config.ExpandHome(cfg.Memory.Dir)
	fmt.Printf("  Memory:   %s (%s backend)", memDir, cfg.Memory.Backend)
	if _, err := memory.NewFileStore(memDir, cfg.OwnerID); err != nil {
		fmt.Printf(" ERROR: %v\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	credsPath := config.ExpandHome("~/.pocketpaw/credentials.json")
	fmt.Printf("  Creds:    %s", credsPath)
	if store, err := creds.Open(credsPath); err != nil {
		fmt.Printf(" ERROR: %v\n", err)
	} else {
		fmt.Printf(" (OK, %d secrets)\n", len(store.Names()))
	}

	auditPath := config.ExpandHome(cfg.Security.AuditDB)
	fmt.Printf("  Audit:    %s", auditPath)
	if log, err := audit.Open(auditPath); err != nil {
		fmt.Printf(" ERROR: %v\n", err)
	} else {
		log.Close()
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Printf("  Backend:  %s", cfg.Agent.Backend)
	router := agent.NewRouter(cfg)
	backend, err := router.Backend()
	if err != nil {
		fmt.Printf(" ERROR: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := backend.Status(ctx)
	if err != nil {
		fmt.Printf(" UNREACHABLE: %v\n", err)
		return
	}
	fmt.Printf(" %s\n", status)

	fmt.Println()
	fmt.Println("  Channels:")
	printChannel("telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	printChannel("discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	printChannel("slack", cfg.Channels.Slack.Enabled,
		cfg.Channels.Slack.AppToken != "" && cfg.Channels.Slack.BotToken != "")
	printChannel("whatsapp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	printChannel("websocket", cfg.Channels.WebSocket.Enabled, true)
}

func printChannel(name string, enabled, configured bool) {
	state := "disabled"
	if enabled && configured {
		state = "enabled"
	} else if enabled {
		state = "enabled but missing credentials"
	}
	fmt.Printf("    %-10s %s\n", name+":", state)
}
