package rendezvous

import (
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/pkg/protocol"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Match is the pair of introductions produced for one connect request.
type Match struct {
	Host        HostRegistration
	Requester   types.PeerEndpoint
	ToRequester Datagram // The host's endpoints, sent to the requester
	ToHost      Datagram // The requester's endpoints, sent to the host
}

// matchPeer cross-delivers endpoint records between the host registered
// under code and the requester. Both replies go to public endpoints; the
// relay cannot route to private ones. The registration is left in place,
// so a code can be matched any number of times until it expires or is
// superseded.
func (h *Handler) matchPeer(code string, requester types.PeerEndpoint) (Match, bool) {
	host, ok := h.registry.Lookup(code)
	if !ok {
		return Match{}, false
	}

	toRequester, err := protocol.EncodeReply(protocol.NewPeerInfo(host.Endpoint))
	if err != nil {
		h.logger.Error("encode peer info", zap.Error(err))
		return Match{}, false
	}
	toHost, err := protocol.EncodeReply(protocol.NewPeerInfo(requester))
	if err != nil {
		h.logger.Error("encode peer info", zap.Error(err))
		return Match{}, false
	}

	h.registry.recordMatch()

	return Match{
		Host:        host,
		Requester:   requester,
		ToRequester: Datagram{To: requester.Public, Payload: toRequester},
		ToHost:      Datagram{To: host.Endpoint.Public, Payload: toHost},
	}, true
}
