// Package stun discovers a peer's public endpoint with a STUN binding
// request. It is a diagnostic aid: the rendezvous relay already reports the
// public endpoint it observes.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// DefaultServer is used when no server is configured.
const DefaultServer = "stun.l.google.com:19302"

// ErrNoMappedAddress means the server answered without a usable address.
var ErrNoMappedAddress = errors.New("no mapped address in response")

// Client represents a STUN client
type Client struct {
	ServerAddr string
	Timeout    time.Duration
}

// NewClient creates a new STUN client
func NewClient(serverAddr string) *Client {
	if serverAddr == "" {
		serverAddr = DefaultServer
	}
	return &Client{
		ServerAddr: serverAddr,
		Timeout:    5 * time.Second,
	}
}

// Discover asks the server for this host's public endpoint from a fresh
// socket.
func (c *Client) Discover(ctx context.Context) (types.Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return types.Endpoint{}, types.NewOpError("stun bind", err)
	}
	defer conn.Close()

	return c.DiscoverFrom(ctx, conn)
}

// DiscoverFrom runs the binding request on an existing socket, reporting the
// mapping that socket has. The socket's read deadline is reset afterwards.
func (c *Client) DiscoverFrom(ctx context.Context, conn *net.UDPConn) (types.Endpoint, error) {
	server, err := net.ResolveUDPAddr("udp4", c.ServerAddr)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("stun resolve", err)
	}

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return types.Endpoint{}, types.NewOpError("stun set deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("stun build request", err)
	}
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return types.Endpoint{}, types.NewOpError("stun send request", err)
	}

	buf := make([]byte, 1500) // MTU size
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return types.Endpoint{}, ctx.Err()
			}
			return types.Endpoint{}, types.NewOpError("stun read response", err)
		}
		if !from.IP.Equal(server.IP) || from.Port != server.Port {
			continue
		}

		ep, err := parseBindingResponse(buf[:n], req.TransactionID)
		if errors.Is(err, errOtherTransaction) {
			continue
		}
		if err != nil {
			return types.Endpoint{}, types.NewOpError("stun parse response", err)
		}
		return ep, nil
	}
}

var errOtherTransaction = errors.New("transaction ID mismatch")

// parseBindingResponse extracts XOR-MAPPED-ADDRESS, falling back to the
// RFC 3489 MAPPED-ADDRESS for older servers.
func parseBindingResponse(raw []byte, transactionID [stun.TransactionIDSize]byte) (types.Endpoint, error) {
	res := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := res.Decode(); err != nil {
		return types.Endpoint{}, fmt.Errorf("decode: %w", err)
	}
	if res.TransactionID != transactionID {
		return types.Endpoint{}, errOtherTransaction
	}
	if res.Type != stun.BindingSuccess {
		return types.Endpoint{}, fmt.Errorf("unexpected message type %s", res.Type)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return types.Endpoint{IP: xorAddr.IP.String(), Port: xorAddr.Port}, nil
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return types.Endpoint{}, ErrNoMappedAddress
	}
	return types.Endpoint{IP: mapped.IP.String(), Port: mapped.Port}, nil
}
