package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/pkg/client"
	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/types"
)

type sessionFlags struct {
	relay    string
	logLevel string
	skipTest bool
	punch    holepunch.Config
}

func newSessionFlags(name string) (*flag.FlagSet, *sessionFlags) {
	sf := &sessionFlags{punch: holepunch.DefaultConfig()}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&sf.relay, "relay", envOr("ALTAIR_RELAY", defaultRelay), "Rendezvous relay address (host:port)")
	fs.StringVar(&sf.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&sf.skipTest, "skip-test", false, "Skip the ping-pong test")
	fs.DurationVar(&sf.punch.Timeout, "punch-timeout", holepunch.DefaultTimeout, "How long to keep punching")
	return fs, sf
}

func hostCommand(ctx context.Context, args []string) error {
	fs, sf := newSessionFlags("host")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(sf.logLevel)
	defer logger.Sync()

	c, err := client.Dial(sf.relay, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	code, err := c.Host(ctx)
	if err != nil {
		return fmt.Errorf("register with relay: %w", err)
	}

	fmt.Println("=== Altair P2P Host ===")
	fmt.Println()
	fmt.Printf("Host code: %s\n", code)
	fmt.Println("Share it with your peer and have them run:")
	fmt.Printf("  altair connect -relay %s %s\n", sf.relay, code)
	fmt.Println()
	fmt.Println("Waiting for a peer...")

	peer, err := c.WaitForPeer(ctx)
	if err != nil {
		return fmt.Errorf("wait for peer: %w", err)
	}

	return establish(ctx, c, peer, false, sf, logger)
}

func connectCommand(ctx context.Context, args []string) error {
	fs, sf := newSessionFlags("connect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: altair connect [flags] CODE")
	}
	code := fs.Arg(0)

	logger := newLogger(sf.logLevel)
	defer logger.Sync()

	c, err := client.Dial(sf.relay, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println("=== Altair P2P Connection ===")
	fmt.Println()

	peer, err := c.Connect(ctx, code)
	if errors.Is(err, client.ErrNoReply) {
		return fmt.Errorf("relay did not answer; the code may be wrong or expired")
	}
	if err != nil {
		return err
	}

	return establish(ctx, c, peer, true, sf, logger)
}

// establish punches toward the introduced peer from the relay socket and
// optionally verifies the path with a ping-pong.
func establish(ctx context.Context, c *client.Client, peer types.PeerEndpoint, initiator bool, sf *sessionFlags, logger *zap.Logger) error {
	fmt.Println("Peer introduced by relay:")
	fmt.Printf("  Public : %s\n", peer.Public)
	fmt.Printf("  Private: %s\n", peer.Private)
	fmt.Println()
	fmt.Println("Punching through NAT...")

	remote, err := holepunch.New(c.Conn(), sf.punch, logger).Punch(ctx, peer)
	if err != nil {
		return fmt.Errorf("failed to establish connection: %w", err)
	}

	fmt.Printf("Connection established with %s\n", remote)

	if sf.skipTest {
		return nil
	}

	fmt.Println()
	fmt.Println("Testing connection with PING-PONG...")
	testCtx, cancel := context.WithTimeout(ctx, sf.punch.Timeout)
	defer cancel()
	if err := holepunch.PingPong(testCtx, c.Conn(), remote, initiator, logger); err != nil {
		return fmt.Errorf("ping-pong test failed: %w", err)
	}
	fmt.Println("Round-trip successful!")
	return nil
}
