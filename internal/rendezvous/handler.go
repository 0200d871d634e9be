package rendezvous

import (
	"net"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/logging"
	"github.com/saintparish4/rendezvous/pkg/protocol"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Datagram is an outbound reply and where to send it.
type Datagram struct {
	To      types.Endpoint
	Payload []byte
}

// Handler classifies inbound datagrams and produces the replies.
// It never touches the network itself, so each call is a pure function of
// the payload, the sender and the registry.
type Handler struct {
	registry *Registry

	// Optional collaborators
	Metrics *Metrics
	Events  *EventHub

	logger *zap.Logger
}

// NewHandler creates a handler over the given registry.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logging.OrNop(logger).Named("handler"),
	}
}

// Registry returns the registry the handler serves.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Handle processes one datagram received from `from` and returns zero, one
// or two replies. Keepalives and malformed payloads produce nothing; the
// protocol has no error channel.
func (h *Handler) Handle(payload []byte, from *net.UDPAddr) []Datagram {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		h.Metrics.observeDatagram(kindMalformed)
		h.logger.Debug("dropping malformed datagram",
			zap.Stringer("from", from), zap.Int("size", len(payload)), zap.Error(err))
		return nil
	}

	public := types.EndpointFromUDPAddr(from)

	switch r := req.(type) {
	case protocol.KeepaliveRequest:
		h.Metrics.observeDatagram(kindKeepalive)
		return nil
	case protocol.HostRequest:
		h.Metrics.observeDatagram(kindHost)
		return h.handleHost(public, r)
	case protocol.ConnectRequest:
		h.Metrics.observeDatagram(kindConnect)
		return h.handleConnect(public, r)
	default:
		return nil
	}
}

// handleHost registers the sender and replies with its new host code.
func (h *Handler) handleHost(public types.Endpoint, req protocol.HostRequest) []Datagram {
	reg := h.registry.Register(public, req.Private)

	payload, err := protocol.EncodeReply(protocol.HostReply{HostCode: reg.Code})
	if err != nil {
		h.logger.Error("encode host reply", zap.Error(err))
		return nil
	}

	h.logger.Debug("host registered",
		zap.Stringer("public", public), zap.Stringer("private", req.Private),
		zap.Time("expires", reg.ExpiresAt))

	return []Datagram{{To: public, Payload: payload}}
}

// handleConnect introduces the sender to the host behind the requested code.
func (h *Handler) handleConnect(public types.Endpoint, req protocol.ConnectRequest) []Datagram {
	requester := types.PeerEndpoint{Public: public, Private: req.Private}

	match, ok := h.matchPeer(req.HostCode, requester)
	if !ok {
		h.Metrics.observeUnknownCode()
		h.logger.Debug("connect request for unknown host code", zap.Stringer("from", public))
		return nil
	}

	h.Metrics.observeMatch()
	h.Events.Publish(NewEvent(EventMatched, match.Host.Endpoint, h.registry.Now()).WithPeer(requester))
	h.logger.Debug("peers matched",
		zap.Stringer("host", match.Host.Endpoint), zap.Stringer("requester", requester))

	return []Datagram{match.ToRequester, match.ToHost}
}
