// Recalld assembles per-turn context for conversational agents.
//
// The daemon serves the HTTP API by default. The mcp subcommand speaks the
// Model Context Protocol over stdio instead, with logs on stderr.
//
// Configuration is read from ~/.config/recalld/config.yaml (or -config) and
// RECALLD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP daemon
//	recalld
//
//	# Serve MCP over stdio
//	recalld mcp
//
//	# Override the port
//	RECALLD_SERVER_HTTP_PORT=9292 recalld
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type mode int

const (
	modeHTTP mode = iota
	modeMCP
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/recalld/config.yaml)")
	flag.Parse()
	args := flag.Args()

	m := modeHTTP
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mcp":
			m = modeMCP
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  recalld           Start the HTTP daemon\n")
			fmt.Fprintf(os.Stderr, "  recalld mcp       Serve MCP over stdio\n")
			fmt.Fprintf(os.Stderr, "  recalld version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, m); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("recalld: %v", err)
	}
}

func printVersion() {
	fmt.Printf("recalld by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run builds the application and serves until ctx is cancelled.
func run(ctx context.Context, configPath string, m mode) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer a.Close()

	if m == modeMCP {
		return a.serveMCP(ctx)
	}
	return a.serveHTTP(ctx)
}
