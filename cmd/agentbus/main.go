// ABOUTME: Entry point for the agentbus message bus server and its operator commands
// ABOUTME: serve, init, token, health, agents and sessions subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/agentbus/internal/config"
	"github.com/2389/agentbus/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _   _
  __ _  __ _  ___ _ __ | |_| |__  _   _ ___
 / _' |/ _' |/ _ \ '_ \| __| '_ \| | | / __|
| (_| | (_| |  __/ | | | |_| |_) | |_| \__ \
 \__,_|\__, |\___|_| |_|\__|_.__/ \__,_|___/
       |___/
`

// getConfigPath returns the path to the agentbus config file.
// Priority: AGENTBUS_CONFIG env var > XDG_CONFIG_HOME/agentbus/agentbus.yaml > ~/.config/agentbus/agentbus.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTBUS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agentbus.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentbus", "agentbus.yaml")
}

// getDataPath returns the path to the agentbus data directory.
// Priority: XDG_DATA_HOME/agentbus > ~/.local/share/agentbus
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agentbus")
}

func usage() {
	fmt.Println("Usage: agentbus <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the message bus")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  token --agent ID [--ttl D] Mint an agent token from the configured jwt_secret")
	fmt.Println("  health                     Check bus health")
	fmt.Println("  agents                     List connected agents")
	fmt.Println("  sessions [--agent ID]      Show the session ledger")
	fmt.Println("  version                    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "sessions":
		err = runSessions(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("jwt")
	} else {
		yellow.Println("anonymous")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Tracing.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   %s\n", cfg.Tracing.Endpoint)
	}

	fmt.Println()

	logger.Info("starting agentbus",
		"config", configPath,
		"version", version,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
