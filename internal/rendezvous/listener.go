package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/logging"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// DefaultReadBufferSize bounds a single inbound datagram. Requests are tiny
// JSON objects; anything longer is truncated and then fails to parse.
const DefaultReadBufferSize = 2048

// Listener owns the relay's UDP socket. It reads datagrams on a single
// goroutine, hands each to the Handler and writes back whatever replies the
// handler produced. There is no retry and no acknowledgement.
type Listener struct {
	conn       *net.UDPConn
	handler    *Handler
	bufferSize int
	logger     *zap.Logger

	received atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a UDP socket on addr (e.g. ":6363").
func Listen(addr string, handler *Handler, bufferSize int, logger *zap.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind UDP socket: %w", err)
	}
	return NewListener(conn, handler, bufferSize, logger), nil
}

// NewListener wraps an already bound socket.
func NewListener(conn *net.UDPConn, handler *Handler, bufferSize int, logger *zap.Logger) *Listener {
	if bufferSize <= 0 {
		bufferSize = DefaultReadBufferSize
	}
	return &Listener{
		conn:       conn,
		handler:    handler,
		bufferSize: bufferSize,
		logger:     logging.OrNop(logger).Named("listener"),
	}
}

// Addr returns the bound local address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is cancelled or the listener is closed.
// Individual read and write failures are logged and never stop the loop.
func (l *Listener) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	l.logger.Info("listening", zap.Stringer("addr", l.Addr()))

	buf := make([]byte, l.bufferSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("read datagram", zap.Error(err))
			continue
		}

		l.received.Add(1)
		l.dispatch(buf[:n], from)
	}
}

// dispatch handles one datagram to completion before the next is read.
func (l *Listener) dispatch(payload []byte, from *net.UDPAddr) {
	for _, d := range l.handler.Handle(payload, from) {
		if err := l.send(d); err != nil {
			l.failed.Add(1)
			l.handler.Metrics.observeSendError()
			l.logger.Warn("send reply", zap.Stringer("to", d.To), zap.Error(err))
			continue
		}
		l.sent.Add(1)
	}
}

func (l *Listener) send(d Datagram) error {
	addr, err := udpAddrFor(d.To)
	if err != nil {
		return err
	}
	_, err = l.conn.WriteToUDP(d.Payload, addr)
	return err
}

// udpAddrFor converts a stored endpoint back into a socket address without
// any name resolution.
func udpAddrFor(ep types.Endpoint) (*net.UDPAddr, error) {
	ip := net.ParseIP(ep.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", ep.IP)
	}
	return &net.UDPAddr{IP: ip, Port: ep.Port}, nil
}

// Close closes the socket, unblocking Serve.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// Stats returns listener counters.
func (l *Listener) Stats() ListenerStats {
	if l == nil {
		return ListenerStats{}
	}
	return ListenerStats{
		Received:   l.received.Load(),
		Sent:       l.sent.Load(),
		SendErrors: l.failed.Load(),
	}
}

// ListenerStats contains datagram counters.
type ListenerStats struct {
	Received   uint64 `json:"received"`
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
}
