package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/rendezvous/internal/logging"
)

// Service is the rendezvous relay: one registry, the UDP listener serving
// it, and the optional admin HTTP server.
type Service struct {
	cfg Config

	registry *Registry
	handler  *Handler
	listener *Listener
	events   *EventHub
	metrics  *Metrics
	prom     *prometheus.Registry

	admin         *AdminServer
	adminListener net.Listener

	closeOnce sync.Once
	closeErr  error

	logger *zap.Logger
}

// NewService validates cfg, binds the UDP socket (and the admin TCP socket
// when cfg.HTTPAddr is set) and wires the components together. A nil clock
// means the wall clock.
func NewService(cfg Config, logger *zap.Logger, clk clock.Clock) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logging.OrNop(logger)

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Service{
		cfg:      cfg,
		registry: NewRegistry(clk, cfg.HostCodeTTL),
		events:   NewEventHub(logger),
		metrics:  NewMetrics(prom),
		prom:     prom,
		logger:   logger,
	}
	s.registry.OnRegistered = s.onRegistered
	s.registry.OnRemoved = s.onRemoved

	s.handler = NewHandler(s.registry, logger)
	s.handler.Metrics = s.metrics
	s.handler.Events = s.events

	listener, err := Listen(cfg.ListenAddr, s.handler, cfg.ReadBufferSize, logger)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("bind admin server: %w", err)
		}
		s.adminListener = ln
		s.admin = NewAdminServer(cfg, s.registry, s.listener, s.events, prom, logger)
	}

	return s, nil
}

func (s *Service) onRegistered(reg HostRegistration) {
	s.metrics.observeRegistered()
	s.events.Publish(NewEvent(EventRegistered, reg.Endpoint, reg.CreatedAt))
}

func (s *Service) onRemoved(reg HostRegistration, reason RemovalReason) {
	s.metrics.observeRemoved(reason)

	var t EventType
	switch reason {
	case RemovalSuperseded:
		t = EventSuperseded
	case RemovalExpired:
		t = EventExpired
	default:
		t = EventClosed
	}
	s.events.Publish(NewEvent(t, reg.Endpoint, s.registry.Now()))
}

// Run serves until ctx is cancelled or the service is closed.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.listener.Serve(gctx)
	})

	if s.admin != nil {
		g.Go(func() error {
			return s.admin.Serve(s.adminListener)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			return s.admin.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close stops the listener, drops every registration and disconnects event
// watchers. Run returns shortly after.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		err := s.listener.Close()
		if s.admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			err = multierr.Append(err, s.admin.Shutdown(ctx))
			cancel()
			// Shutdown only closes the socket if Serve already owns it.
			if cerr := s.adminListener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		s.registry.Close()
		s.events.Close()
		s.closeErr = err
		s.logger.Info("rendezvous service closed", zap.String("stats", s.registry.Stats().String()))
	})
	return s.closeErr
}

// Registry returns the host registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Handler returns the datagram handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Addr returns the relay's bound UDP address.
func (s *Service) Addr() *net.UDPAddr {
	return s.listener.Addr()
}

// AdminAddr returns the admin server's bound address, or nil if disabled.
func (s *Service) AdminAddr() net.Addr {
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

// Gatherer returns the service-local Prometheus registry.
func (s *Service) Gatherer() prometheus.Gatherer {
	return s.prom
}
