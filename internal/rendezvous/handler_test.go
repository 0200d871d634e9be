package rendezvous

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/rendezvous/pkg/protocol"
	"github.com/saintparish4/rendezvous/pkg/types"
)

type handlerFixture struct {
	handler *Handler
	clock   *clock.Mock
	metrics *Metrics
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	mock := clock.NewMock()
	registry := NewRegistry(mock, DefaultHostCodeTTL)
	t.Cleanup(registry.Close)

	h := NewHandler(registry, zaptest.NewLogger(t))
	h.Metrics = NewMetrics(prometheus.NewRegistry())
	return &handlerFixture{handler: h, clock: mock, metrics: h.Metrics}
}

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

// host registers from the given public address and returns the issued code.
func (f *handlerFixture) host(t *testing.T, from *net.UDPAddr, private types.Endpoint) string {
	t.Helper()
	payload, err := protocol.EncodeHostRequest(private)
	require.NoError(t, err)

	out := f.handler.Handle(payload, from)
	require.Len(t, out, 1, "registration must produce exactly one reply")
	assert.Equal(t, types.EndpointFromUDPAddr(from), out[0].To)

	reply, err := protocol.ParseReply(out[0].Payload)
	require.NoError(t, err)
	hostReply, ok := reply.(protocol.HostReply)
	require.True(t, ok, "expected HostReply, got %T", reply)
	require.NotEmpty(t, hostReply.HostCode)
	return hostReply.HostCode
}

func (f *handlerFixture) connect(t *testing.T, code string, from *net.UDPAddr, private types.Endpoint) []Datagram {
	t.Helper()
	payload, err := protocol.EncodeConnectRequest(code, private)
	require.NoError(t, err)
	return f.handler.Handle(payload, from)
}

func peerInfoOf(t *testing.T, d Datagram) types.PeerEndpoint {
	t.Helper()
	reply, err := protocol.ParseReply(d.Payload)
	require.NoError(t, err)
	info, ok := reply.(protocol.PeerInfo)
	require.True(t, ok, "expected PeerInfo, got %T", reply)
	return info.Endpoint()
}

var (
	hostAddr         = udpAddr("203.0.113.5", 40000)
	requesterAddr    = udpAddr("198.51.100.20", 51000)
	requesterPrivate = types.Endpoint{IP: "10.0.0.7", Port: 7000}
)

func TestHandleRegistrationCodesAreDistinct(t *testing.T) {
	f := newHandlerFixture(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code := f.host(t, udpAddr("203.0.113.5", 40000+i), hostPrivate)
		assert.False(t, seen[code], "duplicate live code %s", code)
		seen[code] = true
	}
	assert.Equal(t, 50, f.handler.Registry().Count())
}

func TestHandleConnectCrossDelivers(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.host(t, hostAddr, hostPrivate)

	out := f.connect(t, code, requesterAddr, requesterPrivate)
	require.Len(t, out, 2)

	toRequester, toHost := out[0], out[1]

	// The requester learns the host's observed and claimed endpoints.
	assert.Equal(t, types.EndpointFromUDPAddr(requesterAddr), toRequester.To)
	assert.Equal(t, types.PeerEndpoint{
		Public:  types.EndpointFromUDPAddr(hostAddr),
		Private: hostPrivate,
	}, peerInfoOf(t, toRequester))

	// The host learns the requester's.
	assert.Equal(t, types.EndpointFromUDPAddr(hostAddr), toHost.To)
	assert.Equal(t, types.PeerEndpoint{
		Public:  types.EndpointFromUDPAddr(requesterAddr),
		Private: requesterPrivate,
	}, peerInfoOf(t, toHost))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Matches))
	assert.Equal(t, uint64(1), f.handler.Registry().Stats().Matched)
}

func TestHandlePublicFieldsComeFromTransport(t *testing.T) {
	f := newHandlerFixture(t)

	// A client cannot claim a public address: extra fields are ignored.
	out := f.handler.Handle([]byte(`{"privateAddress":"192.168.1.10","privatePort":5000,"publicAddress":"6.6.6.6","publicPort":1}`), hostAddr)
	require.Len(t, out, 1)
	reply, err := protocol.ParseReply(out[0].Payload)
	require.NoError(t, err)
	code := reply.(protocol.HostReply).HostCode

	out = f.connect(t, code, requesterAddr, requesterPrivate)
	require.Len(t, out, 2)
	host := peerInfoOf(t, out[0])
	assert.Equal(t, "203.0.113.5", host.Public.IP)
	assert.Equal(t, 40000, host.Public.Port)
}

func TestHandleReRegistrationInvalidatesOldCode(t *testing.T) {
	f := newHandlerFixture(t)

	oldCode := f.host(t, hostAddr, hostPrivate)
	newCode := f.host(t, hostAddr, hostPrivate)
	require.NotEqual(t, oldCode, newCode)

	assert.Empty(t, f.connect(t, oldCode, requesterAddr, requesterPrivate))
	assert.Len(t, f.connect(t, newCode, requesterAddr, requesterPrivate), 2)
}

func TestHandleUnknownCode(t *testing.T) {
	f := newHandlerFixture(t)
	f.host(t, hostAddr, hostPrivate)

	out := f.connect(t, "00000000000000000000000000000000", requesterAddr, requesterPrivate)
	assert.Empty(t, out)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.UnknownCodes))
}

func TestHandleExpiredCode(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.host(t, hostAddr, hostPrivate)

	f.clock.Add(DefaultHostCodeTTL)

	assert.Eventually(t, func() bool {
		return len(f.connect(t, code, requesterAddr, requesterPrivate)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHandleCodeIsMultiUse(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.host(t, hostAddr, hostPrivate)

	secondAddr := udpAddr("192.0.2.77", 33000)
	secondPrivate := types.Endpoint{IP: "172.16.0.4", Port: 9000}

	first := f.connect(t, code, requesterAddr, requesterPrivate)
	second := f.connect(t, code, secondAddr, secondPrivate)
	require.Len(t, first, 2)
	require.Len(t, second, 2)

	assert.Equal(t, types.EndpointFromUDPAddr(requesterAddr), first[0].To)
	assert.Equal(t, requesterPrivate, peerInfoOf(t, first[1]).Private)

	assert.Equal(t, types.EndpointFromUDPAddr(secondAddr), second[0].To)
	assert.Equal(t, secondPrivate, peerInfoOf(t, second[1]).Private)
	assert.Equal(t, hostPrivate, peerInfoOf(t, second[0]).Private)

	_, ok := f.handler.Registry().Lookup(code)
	assert.True(t, ok, "matching must not consume the code")
}

func TestHandleKeepaliveIsSilent(t *testing.T) {
	f := newHandlerFixture(t)
	f.host(t, hostAddr, hostPrivate)
	before := f.handler.Registry().Stats()

	assert.Empty(t, f.handler.Handle([]byte(protocol.Keepalive), hostAddr))
	assert.Empty(t, f.handler.Handle([]byte(protocol.Keepalive), requesterAddr))

	assert.Equal(t, before, f.handler.Registry().Stats())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Datagrams.WithLabelValues(kindKeepalive)))
}

func TestHandleMalformedIsSilent(t *testing.T) {
	f := newHandlerFixture(t)
	f.host(t, hostAddr, hostPrivate)
	before := f.handler.Registry().Stats()

	for _, payload := range []string{"", "hello", "{", "[]", "null", `{"privatePort":"x"}`} {
		assert.Empty(t, f.handler.Handle([]byte(payload), requesterAddr), payload)
	}

	assert.Equal(t, before, f.handler.Registry().Stats())
	assert.Equal(t, float64(6), testutil.ToFloat64(f.metrics.Datagrams.WithLabelValues(kindMalformed)))
}

func TestHandleWithoutOptionalCollaborators(t *testing.T) {
	registry := NewRegistry(clock.NewMock(), time.Minute)
	defer registry.Close()
	h := NewHandler(registry, nil)

	out := h.Handle([]byte(`{"privateAddress":"10.1.1.1","privatePort":1}`), hostAddr)
	require.Len(t, out, 1)
	assert.Empty(t, h.Handle([]byte("junk"), hostAddr))
}

func TestHandleMatchedEventPublished(t *testing.T) {
	f := newHandlerFixture(t)
	hub := NewEventHub(zaptest.NewLogger(t))
	f.handler.Events = hub

	conn := newFakeConn()
	go hub.ServeConn(conn)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Add(time.Minute)
	code := f.host(t, hostAddr, hostPrivate)
	f.connect(t, code, requesterAddr, requesterPrivate)

	ev := conn.nextEvent(t)
	assert.Equal(t, EventMatched, ev.Type)
	assert.Equal(t, f.clock.Now().UnixMilli(), ev.Timestamp)
	require.NotNil(t, ev.Endpoint)
	require.NotNil(t, ev.Peer)
	assert.Equal(t, "203.0.113.5", ev.Endpoint.PublicAddress)
	assert.Equal(t, "198.51.100.20", ev.Peer.PublicAddress)
	assert.Equal(t, 7000, ev.Peer.PrivatePort)

	conn.Close()
}
