package holepunch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/rendezvous/pkg/types"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func peerOf(conn *net.UDPConn, private types.Endpoint) types.PeerEndpoint {
	return types.PeerEndpoint{
		Public:  types.EndpointFromUDPAddr(conn.LocalAddr().(*net.UDPAddr)),
		Private: private,
	}
}

func testConfig() Config {
	return Config{Attempts: 20, Interval: 20 * time.Millisecond, Timeout: 2 * time.Second}
}

func TestCandidates(t *testing.T) {
	peer := types.PeerEndpoint{
		Public:  types.Endpoint{IP: "203.0.113.5", Port: 40000},
		Private: types.Endpoint{IP: "192.168.1.10", Port: 5000},
	}
	got := Candidates(peer)
	require.Len(t, got, 2)
	assert.Equal(t, "192.168.1.10:5000", got[0].String(), "private candidate goes first")
	assert.Equal(t, "203.0.113.5:40000", got[1].String())

	// Same address on both sides collapses to one candidate.
	same := types.Endpoint{IP: "127.0.0.1", Port: 9000}
	assert.Len(t, Candidates(types.PeerEndpoint{Public: same, Private: same}), 1)

	// Missing or unusable private side is skipped.
	got = Candidates(types.PeerEndpoint{Public: peer.Public, Private: types.Endpoint{IP: "0.0.0.0", Port: 5000}})
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.5:40000", got[0].String())

	assert.Empty(t, Candidates(types.PeerEndpoint{}))
}

func TestPunchNoCandidates(t *testing.T) {
	p := New(listenLoopback(t), testConfig(), nil)
	_, err := p.Punch(context.Background(), types.PeerEndpoint{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSimultaneousPunch(t *testing.T) {
	a, b := listenLoopback(t), listenLoopback(t)
	logger := zaptest.NewLogger(t)

	// The private candidates are unreachable; the public ones work.
	peerA := peerOf(a, types.Endpoint{IP: "192.0.2.1", Port: 5000})
	peerB := peerOf(b, types.Endpoint{IP: "192.0.2.2", Port: 5000})

	var remoteOfA, remoteOfB *net.UDPAddr
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() (err error) {
		remoteOfA, err = New(a, testConfig(), logger).Punch(ctx, peerB)
		return err
	})
	g.Go(func() (err error) {
		remoteOfB, err = New(b, testConfig(), logger).Punch(ctx, peerA)
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, b.LocalAddr().(*net.UDPAddr).Port, remoteOfA.Port)
	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, remoteOfB.Port)
}

func TestPunchTimeout(t *testing.T) {
	a := listenLoopback(t)
	silent := listenLoopback(t)

	cfg := Config{Attempts: 3, Interval: 10 * time.Millisecond, Timeout: 150 * time.Millisecond}
	_, err := New(a, cfg, nil).Punch(context.Background(), peerOf(silent, types.Endpoint{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPunchThenPingPong(t *testing.T) {
	a, b := listenLoopback(t), listenLoopback(t)
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		remote, err := New(a, testConfig(), logger).Punch(gctx, peerOf(b, types.Endpoint{}))
		if err != nil {
			return err
		}
		return PingPong(gctx, a, remote, true, logger)
	})
	g.Go(func() error {
		remote, err := New(b, testConfig(), logger).Punch(gctx, peerOf(a, types.Endpoint{}))
		if err != nil {
			return err
		}
		return PingPong(gctx, b, remote, false, logger)
	})
	assert.NoError(t, g.Wait())
}

func TestReceiveMessageSkipsPunchTraffic(t *testing.T) {
	a, b := listenLoopback(t), listenLoopback(t)
	bAddr := b.LocalAddr().(*net.UDPAddr)

	require.NoError(t, SendMessage(a, PunchMessage, bAddr))
	require.NoError(t, SendMessage(a, AckMessage, bAddr))
	require.NoError(t, SendMessage(a, "hello", bAddr))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, from, err := ReceiveMessage(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, from.Port)

	// The stray punch was acknowledged.
	msg, _, err = receive(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AckMessage, msg)
}
