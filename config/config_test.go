package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghettovoice/sipengine/config"
	"github.com/ghettovoice/sipengine/dns"
	"github.com/ghettovoice/sipengine/sip"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sipengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listeners:
  - proto: udp
    address: 127.0.0.1
    port: 5070
sent_by: sip.example.com:5070
protocols: [TCP, UDP]
timers:
  t1: 100ms
dns:
  nameserver: 127.0.0.1:53
log:
  level: debug
  format: json
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []config.Listener{{Proto: "udp", Address: "127.0.0.1", Port: 5070}}, cfg.Listeners)
	assert.Equal(t, "sip.example.com:5070", cfg.SentBy)
	assert.Equal(t, 100*time.Millisecond, cfg.Timers.T1)
	assert.Equal(t, sip.T2, cfg.Timers.T2, "missing keys keep defaults")
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())

	opts := cfg.EngineOptions()
	assert.Equal(t, []sip.ListenerSpec{{Proto: sip.TransportUDP, Address: "127.0.0.1", Port: 5070}}, opts.Listeners)
	assert.Equal(t, []sip.TransportProto{sip.TransportTCP, sip.TransportUDP}, opts.Protocols)
	assert.Equal(t, 100*time.Millisecond, opts.Timings.T1)
	if assert.IsType(t, &dns.Resolver{}, opts.DNSResolver) {
		assert.Equal(t, "127.0.0.1:53", opts.DNSResolver.(*dns.Resolver).NameServer) //nolint:forcetypeassert
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.Default(), cfg)
	assert.Nil(t, cfg.EngineOptions().DNSResolver)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SIPENGINE_SENT_BY", "env.example.com")
	t.Setenv("SIPENGINE_LOG_LEVEL", "warn")
	t.Setenv("SIPENGINE_TIMERS_T1", "250ms")

	cfg, err := config.Load(writeConfig(t, "sent_by: file.example.com\n"))
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.SentBy)
	assert.Equal(t, slog.LevelWarn, cfg.Log.SlogLevel())
	assert.Equal(t, 250*time.Millisecond, cfg.Timers.T1)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown proto", "listeners:\n  - proto: sctp\n    port: 5060\n"},
		{"bad port", "listeners:\n  - proto: udp\n    port: 70000\n"},
		{"bad protocols", "protocols: [ws]\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"bad duration", "timers:\n  t1: soon\n"},
		{"broken yaml", "listeners: [\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, c.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestConfig_YAML(t *testing.T) {
	cfg := config.Default()
	cfg.SentBy = "sip.example.com"

	out, err := cfg.YAML()
	require.NoError(t, err)

	got, err := config.Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
