package rendezvous

import (
	"net"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/rendezvous/pkg/protocol"
)

func TestModuleLifecycle(t *testing.T) {
	var svc *Service
	app := fxtest.New(t,
		fx.Supply(testConfig()),
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Provide(func() clock.Clock { return clock.NewMock() }),
		Module,
		fx.Populate(&svc),
	)
	app.RequireStart()

	conn, err := net.DialUDP("udp", nil, svc.Addr())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := protocol.EncodeHostRequest(hostPrivate)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
	_, ok := readReply(t, conn).(protocol.HostReply)
	assert.True(t, ok)

	app.RequireStop()
	assert.Equal(t, 0, svc.Registry().Count())
}

func TestModuleOptionalDependencies(t *testing.T) {
	var svc *Service
	app := fxtest.New(t,
		fx.Supply(testConfig()),
		Module,
		fx.Populate(&svc),
	)
	app.RequireStart()
	require.NotNil(t, svc)
	app.RequireStop()
}
