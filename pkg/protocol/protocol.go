// Package protocol implements the rendezvous wire format.
// Peers talk to the relay with single UDP datagrams carrying either the
// literal keepalive marker or a small JSON object.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// Keepalive is sent by peers to hold their NAT binding open. It never gets a reply.
const Keepalive = "keepalive"

// MaxPort bounds the privatePort field.
const MaxPort = 65535

// ErrMalformed is returned for payloads that are neither the keepalive
// marker nor a well-formed request object.
var ErrMalformed = errors.New("malformed message")

// Request is the closed set of inbound messages:
// KeepaliveRequest, HostRequest or ConnectRequest.
type Request interface {
	isRequest()
}

// KeepaliveRequest carries no data.
type KeepaliveRequest struct{}

// HostRequest asks the relay for a new host code.
type HostRequest struct {
	Private types.Endpoint // Self-reported local endpoint
}

// ConnectRequest asks the relay to introduce the sender to the host
// registered under HostCode.
type ConnectRequest struct {
	HostCode string
	Private  types.Endpoint // Self-reported local endpoint
}

func (KeepaliveRequest) isRequest() {}
func (HostRequest) isRequest()      {}
func (ConnectRequest) isRequest()   {}

// wireRequest is the JSON shape shared by host and connect requests.
// Pointers distinguish absent fields from zero values.
type wireRequest struct {
	HostCode       *string `json:"hostCode,omitempty"`
	PrivateAddress *string `json:"privateAddress,omitempty"`
	PrivatePort    *int    `json:"privatePort,omitempty"`
}

// ParseRequest classifies a datagram payload. Any payload that is not the
// keepalive marker and does not decode into a request object yields an
// error wrapping ErrMalformed. Field names match exactly; a key differing
// only in case is ignored like any other unknown key.
func ParseRequest(payload []byte) (Request, error) {
	if string(payload) == Keepalive {
		return KeepaliveRequest{}, nil
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var w wireRequest
	if err := decodeField(fields, "hostCode", &w.HostCode); err != nil {
		return nil, err
	}
	if err := decodeField(fields, "privateAddress", &w.PrivateAddress); err != nil {
		return nil, err
	}
	if err := decodeField(fields, "privatePort", &w.PrivatePort); err != nil {
		return nil, err
	}

	private := types.Endpoint{}
	if w.PrivateAddress != nil {
		private.IP = *w.PrivateAddress
	}
	if w.PrivatePort != nil {
		if *w.PrivatePort < 0 || *w.PrivatePort > MaxPort {
			return nil, fmt.Errorf("%w: privatePort %d out of range", ErrMalformed, *w.PrivatePort)
		}
		private.Port = *w.PrivatePort
	}

	if w.HostCode != nil && *w.HostCode != "" {
		return ConnectRequest{HostCode: *w.HostCode, Private: private}, nil
	}
	return HostRequest{Private: private}, nil
}

// decodeField unmarshals fields[key] into dst when present. A JSON null
// leaves dst nil.
func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// EncodeHostRequest builds the registration datagram a host sends.
func EncodeHostRequest(private types.Endpoint) ([]byte, error) {
	return json.Marshal(wireRequest{
		PrivateAddress: &private.IP,
		PrivatePort:    &private.Port,
	})
}

// EncodeConnectRequest builds the datagram a requester sends.
func EncodeConnectRequest(hostCode string, private types.Endpoint) ([]byte, error) {
	if hostCode == "" {
		return nil, errors.New("host code is required")
	}
	return json.Marshal(wireRequest{
		HostCode:       &hostCode,
		PrivateAddress: &private.IP,
		PrivatePort:    &private.Port,
	})
}

// --- Replies ---

// Reply is the closed set of outbound messages: HostReply or PeerInfo.
type Reply interface {
	isReply()
}

// HostReply hands a freshly issued host code back to the registering peer.
type HostReply struct {
	HostCode string `json:"hostCode"`
}

// PeerInfo tells one side of a match how to reach the other.
// The requester receives the host's endpoints and the host receives the
// requester's.
type PeerInfo struct {
	PeerPublicAddress  string `json:"peerPublicAddress"`
	PeerPublicPort     int    `json:"peerPublicPort"`
	PeerPrivateAddress string `json:"peerPrivateAddress"`
	PeerPrivatePort    int    `json:"peerPrivatePort"`
}

func (HostReply) isReply() {}
func (PeerInfo) isReply()  {}

// NewPeerInfo describes the given peer.
func NewPeerInfo(p types.PeerEndpoint) PeerInfo {
	return PeerInfo{
		PeerPublicAddress:  p.Public.IP,
		PeerPublicPort:     p.Public.Port,
		PeerPrivateAddress: p.Private.IP,
		PeerPrivatePort:    p.Private.Port,
	}
}

// Endpoint converts the reply back into a PeerEndpoint.
func (p PeerInfo) Endpoint() types.PeerEndpoint {
	return types.PeerEndpoint{
		Public:  types.Endpoint{IP: p.PeerPublicAddress, Port: p.PeerPublicPort},
		Private: types.Endpoint{IP: p.PeerPrivateAddress, Port: p.PeerPrivatePort},
	}
}

// EncodeReply serializes a reply for the wire.
func EncodeReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

type wireReply struct {
	HostCode          *string `json:"hostCode"`
	PeerPublicAddress *string `json:"peerPublicAddress"`
	PeerInfo
}

// ParseReply decodes a datagram received from the relay.
func ParseReply(payload []byte) (Reply, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var w wireReply
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case w.HostCode != nil && *w.HostCode != "":
		return HostReply{HostCode: *w.HostCode}, nil
	case w.PeerPublicAddress != nil:
		info := w.PeerInfo
		info.PeerPublicAddress = *w.PeerPublicAddress
		return info, nil
	default:
		return nil, fmt.Errorf("%w: unknown reply shape", ErrMalformed)
	}
}
