package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/logging"
	"github.com/saintparish4/rendezvous/pkg/stun"
)

const (
	defaultRelay = "127.0.0.1:6363"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command := os.Args[1]; command {
	case "host":
		err = hostCommand(ctx, os.Args[2:])
	case "connect":
		err = connectCommand(ctx, os.Args[2:])
	case "discover":
		err = discoverCommand(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) *zap.Logger {
	logger, err := logging.New(level, string(logging.FormatConsole))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func discoverCommand(ctx context.Context) error {
	// Get STUN server from environment or use default
	stunServer := envOr("STUN_SERVER", stun.DefaultServer)

	fmt.Printf("Discovering public endpoint using STUN server: %s\n", stunServer)

	endpoint, err := stun.NewClient(stunServer).Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Printf("\n Discovered public endpoint: %s\n", endpoint)
	fmt.Printf(" IP: %s\n", endpoint.IP)
	fmt.Printf(" Port: %d\n", endpoint.Port)

	return nil
}

func printUsage() {
	fmt.Println("Usage: altair <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  host             Register with the relay and print a host code")
	fmt.Println("  connect CODE     Connect to the peer that owns CODE")
	fmt.Println("  discover         Discover your public IP and port using STUN")
	fmt.Println("  help             Show this help message")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Printf("  ALTAIR_RELAY     Rendezvous relay address (default: %s)\n", defaultRelay)
	fmt.Printf("  STUN_SERVER      STUN server address (default: %s)\n", stun.DefaultServer)
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  altair host -relay relay.example.com:6363")
	fmt.Println("  altair connect -relay relay.example.com:6363 3f2a...")
	fmt.Println("  STUN_SERVER=stun.ekiga.net:3478 altair discover")
}
