package types

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string
	Port int
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// UDPAddr resolves the endpoint into a UDP address.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.String())
}

// EndpointFromUDPAddr converts an observed transport address.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	return Endpoint{
		IP:   addr.IP.String(),
		Port: addr.Port,
	}
}

// ParseEndpoint parses "IP:PORT" (IPv6 hosts must be bracketed).
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("address must be in format IP:PORT: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Endpoint{IP: host, Port: port}, nil
}

// PeerEndpoint describes how to reach a peer: the address the relay observed
// (post-NAT) and the address the peer reported for its local network.
type PeerEndpoint struct {
	Public  Endpoint
	Private Endpoint
}

// Key returns the canonical identity of the 4-tuple.
// Example: "203.0.113.5:40000-192.168.1.10:5000"
func (p PeerEndpoint) Key() string {
	return fmt.Sprintf("%s:%d-%s:%d", p.Public.IP, p.Public.Port, p.Private.IP, p.Private.Port)
}

func (p PeerEndpoint) String() string {
	return fmt.Sprintf("public=%s private=%s", p.Public, p.Private)
}

// OpError represents an error during a client-side network operation
type OpError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new operation error
func NewOpError(op string, err error) error {
	return &OpError{
		Op:  op,
		Err: err,
	}
}
