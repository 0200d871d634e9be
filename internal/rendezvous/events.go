package rendezvous

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/logging"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// EventType identifies a registry lifecycle event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventSuperseded EventType = "superseded"
	EventExpired    EventType = "expired"
	EventClosed     EventType = "closed"
	EventMatched    EventType = "matched"
)

// Event is pushed to every connected watcher. Host codes are never included.
type Event struct {
	Type      EventType      `json:"type"`
	Endpoint  *EventEndpoint `json:"endpoint,omitempty"` // The host
	Peer      *EventEndpoint `json:"peer,omitempty"`     // The requester, for matched events
	Timestamp int64          `json:"timestamp"`          // Unix timestamp in milliseconds
}

// EventEndpoint is the JSON form of a PeerEndpoint.
type EventEndpoint struct {
	PublicAddress  string `json:"publicAddress"`
	PublicPort     int    `json:"publicPort"`
	PrivateAddress string `json:"privateAddress"`
	PrivatePort    int    `json:"privatePort"`
}

func newEventEndpoint(p types.PeerEndpoint) *EventEndpoint {
	return &EventEndpoint{
		PublicAddress:  p.Public.IP,
		PublicPort:     p.Public.Port,
		PrivateAddress: p.Private.IP,
		PrivatePort:    p.Private.Port,
	}
}

// NewEvent creates an event stamped with at.
func NewEvent(t EventType, host types.PeerEndpoint, at time.Time) Event {
	return Event{
		Type:      t,
		Endpoint:  newEventEndpoint(host),
		Timestamp: at.UnixMilli(),
	}
}

// WithPeer attaches the requester side of a match.
func (e Event) WithPeer(peer types.PeerEndpoint) Event {
	e.Peer = newEventEndpoint(peer)
	return e
}

// Conn abstracts a WebSocket connection for testability.
// This interface is satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Watcher is one connected event-stream client.
type Watcher struct {
	ID          string
	ConnectedAt time.Time

	conn Conn
	send chan Event
	done chan struct{}

	mu     sync.Mutex // Protects conn writes and closed
	closed bool
}

// Close closes the watcher's connection. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	return w.conn.Close()
}

// IsClosed returns whether the watcher's connection is closed.
func (w *Watcher) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watcher) write(messageType int, data []byte, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return websocket.ErrCloseSent
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(messageType, data)
}

// EventHub fans registry events out to WebSocket watchers. Slow watchers
// lose events rather than stalling the publisher. A nil *EventHub is valid
// and drops everything.
type EventHub struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher

	// Configuration
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration

	logger *zap.Logger
}

// NewEventHub creates a hub with no watchers.
func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		watchers:     make(map[string]*Watcher),
		BufferSize:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		logger:       logging.OrNop(logger).Named("events"),
	}
}

// Publish queues an event for every watcher.
func (h *EventHub) Publish(ev Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, w := range h.watchers {
		select {
		case w.send <- ev:
		default:
			h.logger.Debug("watcher buffer full, dropping event",
				zap.String("watcher", w.ID), zap.String("type", string(ev.Type)))
		}
	}
}

// Count returns the number of connected watchers.
func (h *EventHub) Count() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// ServeConn streams events to conn until the client goes away or the hub is
// closed. It blocks for the lifetime of the connection.
func (h *EventHub) ServeConn(conn Conn) {
	w := &Watcher{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan Event, h.BufferSize),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	h.watchers[w.ID] = w
	h.mu.Unlock()
	h.logger.Debug("watcher connected", zap.String("watcher", w.ID))

	defer func() {
		h.mu.Lock()
		delete(h.watchers, w.ID)
		h.mu.Unlock()
		w.Close()
		h.logger.Debug("watcher disconnected", zap.String("watcher", w.ID))
	}()

	go h.writeLoop(w)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.PongWait))
	})

	// Watchers have nothing to say; reading only drives pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop delivers queued events and keeps the connection alive with pings.
func (h *EventHub) writeLoop(w *Watcher) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev := <-w.send:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("marshal event", zap.Error(err))
				continue
			}
			if err := w.write(websocket.TextMessage, data, h.WriteTimeout); err != nil {
				w.Close()
				return
			}
		case <-ticker.C:
			if err := w.write(websocket.PingMessage, nil, h.WriteTimeout); err != nil {
				w.Close()
				return
			}
		}
	}
}

// Close disconnects every watcher.
func (h *EventHub) Close() {
	if h == nil {
		return
	}
	h.mu.RLock()
	watchers := make([]*Watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.RUnlock()

	for _, w := range watchers {
		w.Close()
	}
}
