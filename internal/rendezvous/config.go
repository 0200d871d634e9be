package rendezvous

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/saintparish4/rendezvous/internal/logging"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvListenAddr  = "RENDEZVOUS_LISTEN_ADDR"
	EnvHTTPAddr    = "RENDEZVOUS_HTTP_ADDR"
	EnvHostCodeTTL = "RENDEZVOUS_HOST_CODE_TTL"
	EnvReadBuffer  = "RENDEZVOUS_READ_BUFFER"
	EnvLogLevel    = "RENDEZVOUS_LOG_LEVEL"
	EnvLogFormat   = "RENDEZVOUS_LOG_FORMAT"
)

// DefaultListenPort is the relay's well-known UDP port.
const DefaultListenPort = 6363

// Config holds service configuration options.
type Config struct {
	// UDP address the relay listens on
	ListenAddr string

	// Admin HTTP address (health, stats, metrics, event stream).
	// Empty disables the admin server.
	HTTPAddr string

	// How long a host code stays matchable after registration
	HostCodeTTL time.Duration

	// Largest datagram read in one go
	ReadBufferSize int

	// HTTP server timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      fmt.Sprintf(":%d", DefaultListenPort),
		HTTPAddr:        ":8080",
		HostCodeTTL:     DefaultHostCodeTTL,
		ReadBufferSize:  DefaultReadBufferSize,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// ConfigFromEnv applies environment overrides on top of base.
func ConfigFromEnv(base Config) (Config, error) {
	return configFromLookup(base, os.LookupEnv)
}

func configFromLookup(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup(EnvListenAddr); ok {
		cfg.ListenAddr = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookup(EnvHostCodeTTL); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvHostCodeTTL, err)
		}
		cfg.HostCodeTTL = ttl
	}
	if v, ok := lookup(EnvReadBuffer); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvReadBuffer, err)
		}
		cfg.ReadBufferSize = size
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		cfg.LogFormat = v
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if c.ListenAddr == "" {
		err = multierr.Append(err, errors.New("listen address is required"))
	}
	if c.HostCodeTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("host code TTL must be positive, got %v", c.HostCodeTTL))
	}
	if c.ReadBufferSize < 64 || c.ReadBufferSize > 65535 {
		err = multierr.Append(err, fmt.Errorf("read buffer size must be within 64..65535, got %d", c.ReadBufferSize))
	}
	if _, lerr := logging.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if _, ferr := logging.ParseFormat(c.LogFormat); ferr != nil {
		err = multierr.Append(err, ferr)
	}
	return err
}
