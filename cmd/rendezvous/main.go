// Command rendezvous runs the Altair UDP rendezvous relay.
//
// Hosts register and receive a host code; peers that present the code are
// introduced to the host so both sides can punch through their NATs.
//
// Usage:
//
//	rendezvous [flags]
//
// Flags:
//
//	-listen string      UDP listen address (default ":6363")
//	-http string        Admin HTTP address, empty to disable (default ":8080")
//	-ttl duration       Host code lifetime (default 30m)
//	-log-level string   debug, info, warn or error (default "info")
//	-log-format string  console or json (default "console")
//
// Every flag can also be set through the matching RENDEZVOUS_* environment
// variable; flags win.
//
// Endpoints:
//
//	Health:  GET /health
//	Stats:   GET /api/stats
//	Metrics: GET /metrics
//	Events:  ws://host:port/ws/events
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/logging"
	"github.com/saintparish4/rendezvous/internal/rendezvous"
)

var (
	version = "dev" // Set via ldflags
)

func main() {
	cfg, err := rendezvous.ConfigFromEnv(rendezvous.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Parse command line flags
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP listen address (e.g., :6363 or 0.0.0.0:6363)")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "Admin HTTP address (empty disables)")
	flag.DurationVar(&cfg.HostCodeTTL, "ttl", cfg.HostCodeTTL, "Host code lifetime")
	flag.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "Largest datagram accepted, in bytes")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("altair-rendezvous %s\n", version)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	printBanner(cfg)

	app := fx.New(
		fx.Supply(cfg),
		fx.Supply(logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		rendezvous.Module,
	)

	// Run blocks until SIGINT or SIGTERM.
	app.Run()
	if err := app.Err(); err != nil {
		logger.Fatal("rendezvous failed", zap.Error(err))
	}
}

func printBanner(cfg rendezvous.Config) {
	fmt.Println()
	fmt.Println("  Altair Rendezvous Relay", version)
	fmt.Println()
	fmt.Printf(" UDP relay:  %s\n", cfg.ListenAddr)
	fmt.Printf(" Code TTL:   %s\n", cfg.HostCodeTTL)
	if cfg.HTTPAddr != "" {
		fmt.Printf(" Health:     http://localhost%s/health\n", cfg.HTTPAddr)
		fmt.Printf(" Stats:      http://localhost%s/api/stats\n", cfg.HTTPAddr)
		fmt.Printf(" Metrics:    http://localhost%s/metrics\n", cfg.HTTPAddr)
		fmt.Printf(" Events:     ws://localhost%s/ws/events\n", cfg.HTTPAddr)
	} else {
		fmt.Println(" Admin HTTP: disabled")
	}
	fmt.Println()
	fmt.Println(" Press Ctrl+C to stop")
	fmt.Println()
}
