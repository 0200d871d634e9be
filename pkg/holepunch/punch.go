// Package holepunch opens a direct UDP path to a peer introduced by the
// rendezvous relay.
//
// Both peers punch at the same time from the socket they used to talk to
// the relay, so each NAT already holds a mapping for it. Every candidate
// endpoint of the peer is tried: the private one first (same LAN), then the
// public one.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/rendezvous/pkg/types"
)

const (
	// PunchMessage is sent to punch through NAT
	PunchMessage = "PUNCH"

	// AckMessage answers a received punch so the other side can stop.
	AckMessage = "PUNCH-ACK"

	// BufferSize for receiving UDP packets
	BufferSize = 1500

	// DefaultAttempts is the number of punch rounds
	DefaultAttempts = 10

	// DefaultInterval between punch rounds
	DefaultInterval = 200 * time.Millisecond

	// DefaultTimeout for overall connection establishment
	DefaultTimeout = 10 * time.Second
)

// ErrNoCandidates is returned when the peer has no usable endpoint.
var ErrNoCandidates = errors.New("peer has no usable endpoint")

// Config holds configuration for connection establishment
type Config struct {
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns the default connection configuration
func DefaultConfig() Config {
	return Config{
		Attempts: DefaultAttempts,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

// Puncher punches from one socket.
type Puncher struct {
	conn   *net.UDPConn
	cfg    Config
	logger *zap.Logger
}

// New creates a Puncher on conn. conn should be the socket registered with
// the relay.
func New(conn *net.UDPConn, cfg Config, logger *zap.Logger) *Puncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Puncher{conn: conn, cfg: cfg, logger: logger.Named("holepunch")}
}

// Candidates lists the peer's distinct, dialable endpoints, private first.
func Candidates(peer types.PeerEndpoint) []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, ep := range []types.Endpoint{peer.Private, peer.Public} {
		ip := net.ParseIP(ep.IP)
		if ip == nil || ip.IsUnspecified() || ep.Port <= 0 {
			continue
		}
		addr := &net.UDPAddr{IP: ip, Port: ep.Port}
		if len(out) > 0 && out[0].String() == addr.String() {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Punch sends punch packets to every candidate of peer while listening for
// the peer's own punches. It returns the address the peer was heard from.
func (p *Puncher) Punch(ctx context.Context, peer types.PeerEndpoint) (*net.UDPAddr, error) {
	candidates := Candidates(peer)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	p.logger.Debug("punching", zap.Stringer("peer", peer), zap.Int("candidates", len(candidates)))

	var remote *net.UDPAddr
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.sendRounds(gctx, candidates)
	})

	g.Go(func() error {
		addr, err := p.awaitPunch(gctx)
		if err != nil {
			return err
		}
		remote = addr
		// Stop the sender.
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("punch %s: %w", peer, err)
	}

	p.logger.Info("hole punched", zap.Stringer("remote", remote))
	return remote, nil
}

// sendRounds punches every candidate once per interval.
func (p *Puncher) sendRounds(ctx context.Context, candidates []*net.UDPAddr) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		for _, addr := range candidates {
			if _, err := p.conn.WriteToUDP([]byte(PunchMessage), addr); err != nil {
				// Unreachable candidates are expected; keep trying the rest.
				p.logger.Debug("send punch", zap.Stringer("to", addr), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// awaitPunch reads until a punch or ack arrives, acknowledging punches.
func (p *Puncher) awaitPunch(ctx context.Context) (*net.UDPAddr, error) {
	for {
		msg, from, err := receive(ctx, p.conn)
		if err != nil {
			return nil, err
		}

		switch msg {
		case PunchMessage:
			if _, err := p.conn.WriteToUDP([]byte(AckMessage), from); err != nil {
				p.logger.Debug("send ack", zap.Stringer("to", from), zap.Error(err))
			}
			return from, nil
		case AckMessage:
			return from, nil
		default:
			p.logger.Debug("ignoring datagram while punching", zap.Stringer("from", from))
		}
	}
}

// receive reads one datagram, giving up when ctx is done.
func receive(ctx context.Context, conn *net.UDPConn) (string, *net.UDPAddr, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	buffer := make([]byte, BufferSize)
	n, remoteAddr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		// The socket deadline can fire just before the context's timer.
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return "", nil, context.DeadlineExceeded
		}
		return "", nil, fmt.Errorf("failed to receive message: %w", err)
	}
	return string(buffer[:n]), remoteAddr, nil
}
