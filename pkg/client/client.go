// Package client talks to a rendezvous relay from the peer side.
//
// A Client owns one UDP socket. The relay identifies the peer by the address
// it observes on that socket, so the same socket must be used for hosting,
// keepalives and, afterwards, hole punching.
package client

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/pkg/protocol"
	"github.com/saintparish4/rendezvous/pkg/types"
)

const (
	// DefaultTimeout is how long to wait for a reply before resending.
	DefaultTimeout = 2 * time.Second

	// DefaultRetries is how many times a request is resent.
	DefaultRetries = 3

	// DefaultKeepaliveInterval keeps typical NAT UDP mappings open.
	DefaultKeepaliveInterval = 15 * time.Second

	readBufferSize = 2048
)

// ErrNoReply is returned when the relay stays silent through every retry.
// The relay never answers unknown or expired codes, so this is also what a
// bad host code looks like.
var ErrNoReply = errors.New("no reply from relay")

// Client is a rendezvous client bound to a local UDP socket.
type Client struct {
	RelayAddr         string
	Timeout           time.Duration
	Retries           int
	KeepaliveInterval time.Duration

	// Private is the endpoint reported to the relay as this peer's local
	// address. Dial fills it in from the socket.
	Private types.Endpoint

	conn   *net.UDPConn
	relay  *net.UDPAddr
	logger *zap.Logger
}

// Dial binds a fresh UDP socket for talking to the relay at relayAddr.
func Dial(relayAddr string, logger *zap.Logger) (*Client, error) {
	relay, err := net.ResolveUDPAddr("udp4", relayAddr)
	if err != nil {
		return nil, types.NewOpError("resolve relay", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, types.NewOpError("bind", err)
	}

	private, err := privateEndpoint(conn, relay)
	if err != nil {
		conn.Close()
		return nil, types.NewOpError("local address", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		RelayAddr:         relayAddr,
		Timeout:           DefaultTimeout,
		Retries:           DefaultRetries,
		KeepaliveInterval: DefaultKeepaliveInterval,
		Private:           private,
		conn:              conn,
		relay:             relay,
		logger:            logger.Named("client"),
	}, nil
}

// privateEndpoint pairs the socket's port with the interface address the
// kernel would use to reach the relay. Connecting a UDP socket sends nothing.
func privateEndpoint(conn *net.UDPConn, relay *net.UDPAddr) (types.Endpoint, error) {
	port := conn.LocalAddr().(*net.UDPAddr).Port

	probe, err := net.DialUDP("udp4", nil, relay)
	if err != nil {
		return types.Endpoint{}, err
	}
	defer probe.Close()

	ip := probe.LocalAddr().(*net.UDPAddr).IP
	return types.Endpoint{IP: ip.String(), Port: port}, nil
}

// Conn returns the underlying socket. Hand it to the hole puncher once the
// peer is known.
func (c *Client) Conn() *net.UDPConn {
	return c.conn
}

// LocalAddr returns the bound socket address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Host registers this peer and returns the issued host code. Registering
// again from the same socket invalidates any earlier code.
func (c *Client) Host(ctx context.Context) (string, error) {
	payload, err := protocol.EncodeHostRequest(c.Private)
	if err != nil {
		return "", types.NewOpError("host", err)
	}

	reply, err := c.request(ctx, payload, func(r protocol.Reply) bool {
		_, ok := r.(protocol.HostReply)
		return ok
	})
	if err != nil {
		return "", types.NewOpError("host", err)
	}

	code := reply.(protocol.HostReply).HostCode
	c.logger.Debug("registered", zap.String("private", c.Private.String()))
	return code, nil
}

// Connect presents a host code and returns the host's endpoints. The relay
// tells the host about this peer at the same time.
func (c *Client) Connect(ctx context.Context, hostCode string) (types.PeerEndpoint, error) {
	payload, err := protocol.EncodeConnectRequest(hostCode, c.Private)
	if err != nil {
		return types.PeerEndpoint{}, types.NewOpError("connect", err)
	}

	reply, err := c.request(ctx, payload, isPeerInfo)
	if err != nil {
		return types.PeerEndpoint{}, types.NewOpError("connect", err)
	}
	return reply.(protocol.PeerInfo).Endpoint(), nil
}

// WaitForPeer blocks until the relay introduces a peer to this host,
// sending keepalives in the meantime.
func (c *Client) WaitForPeer(ctx context.Context) (types.PeerEndpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.Keepalive(ctx)

	reply, err := c.await(ctx, time.Time{}, isPeerInfo)
	if err != nil {
		return types.PeerEndpoint{}, types.NewOpError("wait for peer", err)
	}
	return reply.(protocol.PeerInfo).Endpoint(), nil
}

// Keepalive sends the keepalive token to the relay every KeepaliveInterval
// until ctx is done. It returns ctx.Err() or the first send failure.
func (c *Client) Keepalive(ctx context.Context) error {
	interval := c.KeepaliveInterval
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.conn.WriteToUDP([]byte(protocol.Keepalive), c.relay); err != nil {
				return types.NewOpError("keepalive", err)
			}
		}
	}
}

func isPeerInfo(r protocol.Reply) bool {
	_, ok := r.(protocol.PeerInfo)
	return ok
}

// request sends payload and waits up to Timeout for a matching reply,
// resending up to Retries times. Once the payload has been resent, answers
// to earlier sends may still be in flight, so the rest of that window is
// drained and the last matching reply wins.
func (c *Client) request(ctx context.Context, payload []byte, want func(protocol.Reply) bool) (protocol.Reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	for attempt := 0; attempt <= c.Retries; attempt++ {
		if _, err := c.conn.WriteToUDP(payload, c.relay); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(timeout)
		var last protocol.Reply
		for {
			reply, err := c.await(ctx, deadline, want)
			if err != nil {
				if !isTimeout(err) {
					return nil, err
				}
				break
			}
			if attempt == 0 {
				return reply, nil
			}
			last = reply
		}
		if last != nil {
			return last, nil
		}
		c.logger.Debug("no reply, retrying", zap.Int("attempt", attempt+1), zap.Duration("timeout", timeout))
	}
	return nil, ErrNoReply
}

// await reads until a reply from the relay satisfies want. Datagrams from
// other senders and unrecognised payloads are skipped. A zero deadline
// waits until ctx is done.
func (c *Client) await(ctx context.Context, deadline time.Time, want func(protocol.Reply) bool) (protocol.Reply, error) {
	defer c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if !from.IP.Equal(c.relay.IP) || from.Port != c.relay.Port {
			c.logger.Debug("ignoring datagram from non-relay sender", zap.Stringer("from", from))
			continue
		}

		reply, err := protocol.ParseReply(buf[:n])
		if err != nil {
			c.logger.Debug("ignoring unparseable reply", zap.Error(err))
			continue
		}
		if want(reply) {
			return reply, nil
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
