// Package config loads the engine configuration from a YAML file and SIPENGINE_* environment variables.
package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipengine/dns"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/sip"
)

//go:generate go tool errtrace -w .

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. SIPENGINE_SENT_BY or SIPENGINE_LOG_LEVEL.
const EnvPrefix = "SIPENGINE"

// ErrInvalidConfig is returned when the configuration has invalid values.
const ErrInvalidConfig errorutil.Error = "invalid config"

// Config is the engine process configuration.
type Config struct {
	Listeners    []Listener    `mapstructure:"listeners" yaml:"listeners"`
	DisableUDP   bool          `mapstructure:"disable_udp" yaml:"disable_udp"`
	DisableTCP   bool          `mapstructure:"disable_tcp" yaml:"disable_tcp"`
	SentBy       string        `mapstructure:"sent_by" yaml:"sent_by,omitempty"`
	DisableRPort bool          `mapstructure:"disable_rport" yaml:"disable_rport"`
	Protocols    []string      `mapstructure:"protocols" yaml:"protocols,omitempty"`
	Limits       Limits        `mapstructure:"limits" yaml:"limits"`
	Timers       Timers        `mapstructure:"timers" yaml:"timers"`
	DNS          DNS           `mapstructure:"dns" yaml:"dns"`
	Log          Log           `mapstructure:"log" yaml:"log"`
	ConnIdleTTL  time.Duration `mapstructure:"conn_idle_ttl" yaml:"conn_idle_ttl"`
	UDPIdleTTL   time.Duration `mapstructure:"udp_idle_ttl" yaml:"udp_idle_ttl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// Listener is a listening socket.
type Listener struct {
	Proto   string `mapstructure:"proto" yaml:"proto"`
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Limits bound stream message sizes.
type Limits struct {
	MaxHeaderBytes int `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// Timers override protocol timers, zero keeps the RFC 3261 defaults.
type Timers struct {
	T1       time.Duration `mapstructure:"t1" yaml:"t1"`
	T2       time.Duration `mapstructure:"t2" yaml:"t2"`
	T4       time.Duration `mapstructure:"t4" yaml:"t4"`
	TimerD   time.Duration `mapstructure:"timer_d" yaml:"timer_d"`
	Timer100 time.Duration `mapstructure:"timer_100" yaml:"timer_100"`
}

// DNS configures target resolution.
type DNS struct {
	// NameServer is "host:port" of the server queried directly, the system resolver is used when empty.
	NameServer string        `mapstructure:"nameserver" yaml:"nameserver,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Log configures the process logger.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	// File enables rotated file output instead of stdout.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns the configuration used for missing values.
func Default() *Config {
	return &Config{
		Listeners: []Listener{
			{Proto: string(sip.TransportUDP), Address: "0.0.0.0", Port: int(sip.DefaultPort)},
			{Proto: string(sip.TransportTCP), Address: "0.0.0.0", Port: int(sip.DefaultPort)},
		},
		Limits: Limits{
			MaxHeaderBytes: sip.DefaultMaxHeaderBytes,
			MaxBodyBytes:   sip.DefaultMaxBodyBytes,
		},
		Timers: Timers{
			T1:       sip.T1,
			T2:       sip.T2,
			T4:       sip.T4,
			TimerD:   sip.TimeD,
			Timer100: sip.Time100,
		},
		DNS: DNS{Timeout: 5 * time.Second},
		Log: Log{
			Level:      "info",
			Format:     "console",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		ConnIdleTTL: sip.DefaultConnIdleTTL,
		UDPIdleTTL:  sip.DefaultUDPIdleTTL,
		DialTimeout: sip.DefaultDialTimeout,
	}
}

// Load reads the configuration from the YAML file at path.
// An empty path loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

// setDefaults registers every leaf of def so that environment variables can override
// keys absent from the file.
func setDefaults(v *viper.Viper, def *Config) {
	var m map[string]any
	if err := mapstructure.Decode(def, &m); err != nil {
		panic(err)
	}
	for k, val := range flatten("", m) {
		v.SetDefault(k, val)
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// Validate checks the values.
func (c *Config) Validate() error {
	var errs []error
	for i, l := range c.Listeners {
		if _, ok := sip.ParseTransportProto(l.Proto); !ok {
			errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "listeners[%d]: unsupported proto %q", i, l.Proto))
		}
		if l.Port < -1 || l.Port > 65535 {
			errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "listeners[%d]: invalid port %d", i, l.Port))
		}
	}
	for _, p := range c.Protocols {
		if _, ok := sip.ParseTransportProto(p); !ok {
			errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "protocols: unsupported proto %q", p))
		}
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if !lo.Contains([]string{"console", "dev", "json"}, c.Log.Format) {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "log: unsupported format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return errtrace.Wrap(errorutil.JoinPrefix("config", errs...))
	}
	return nil
}

func (l *Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "log: %v", err))
	}
	return lvl, nil
}

// SlogLevel returns the parsed log level, info for invalid values.
func (l *Log) SlogLevel() slog.Level {
	lvl, err := l.level()
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// EngineOptions converts the configuration to engine options.
// The logger and observers are left for the caller.
func (c *Config) EngineOptions() *sip.EngineOptions {
	opts := &sip.EngineOptions{
		Listeners: lo.Map(c.Listeners, func(l Listener, _ int) sip.ListenerSpec {
			proto, _ := sip.ParseTransportProto(l.Proto)
			return sip.ListenerSpec{Proto: proto, Address: l.Address, Port: l.Port}
		}),
		DisableUDP:     c.DisableUDP,
		DisableTCP:     c.DisableTCP,
		SentBy:         c.SentBy,
		DisableRPort:   c.DisableRPort,
		MaxHeaderBytes: c.Limits.MaxHeaderBytes,
		MaxBodyBytes:   c.Limits.MaxBodyBytes,
		ConnIdleTTL:    c.ConnIdleTTL,
		UDPIdleTTL:     c.UDPIdleTTL,
		DialTimeout:    c.DialTimeout,
		Timings: sip.TimingConfig{
			T1:       c.Timers.T1,
			T2:       c.Timers.T2,
			T4:       c.Timers.T4,
			TimerD:   c.Timers.TimerD,
			Timer100: c.Timers.Timer100,
		},
		Protocols: lo.FilterMap(c.Protocols, func(p string, _ int) (sip.TransportProto, bool) {
			return sip.ParseTransportProto(p)
		}),
	}
	if c.DNS.NameServer != "" {
		opts.DNSResolver = &dns.Resolver{NameServer: c.DNS.NameServer, Timeout: c.DNS.Timeout}
	}
	return opts
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return b, nil
}
