package rendezvous

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":6363", cfg.ListenAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Minute, cfg.HostCodeTTL)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.NoError(t, cfg.Validate())
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestConfigFromLookup(t *testing.T) {
	cfg, err := configFromLookup(DefaultConfig(), lookupFrom(map[string]string{
		EnvListenAddr:  "127.0.0.1:7000",
		EnvHTTPAddr:    "",
		EnvHostCodeTTL: "5m",
		EnvReadBuffer:  "4096",
		EnvLogLevel:    "debug",
		EnvLogFormat:   "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Empty(t, cfg.HTTPAddr, "an empty value disables the admin server")
	assert.Equal(t, 5*time.Minute, cfg.HostCodeTTL)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestConfigFromLookupUnsetKeepsBase(t *testing.T) {
	cfg, err := configFromLookup(DefaultConfig(), lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromLookupBadValues(t *testing.T) {
	_, err := configFromLookup(DefaultConfig(), lookupFrom(map[string]string{EnvHostCodeTTL: "soon"}))
	assert.ErrorContains(t, err, EnvHostCodeTTL)

	_, err = configFromLookup(DefaultConfig(), lookupFrom(map[string]string{EnvReadBuffer: "big"}))
	assert.ErrorContains(t, err, EnvReadBuffer)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvHostCodeTTL, "90s")

	cfg, err := ConfigFromEnv(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.HostCodeTTL)
}

func TestConfigValidateReportsEveryField(t *testing.T) {
	cfg := Config{
		ListenAddr:     "",
		HostCodeTTL:    0,
		ReadBufferSize: 10,
		LogLevel:       "loud",
		LogFormat:      "xml",
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
}
