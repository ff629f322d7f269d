// Package config loads the TOML configuration of the shmnet daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Endpoint kinds a relay can read from or write to.
const (
	KindUDP      = "udp"
	KindSHM      = "shm"
	KindWaveform = "waveform"
)

// Config is the daemon configuration after defaults and overrides.
type Config struct {
	AdminListen      string
	LogLevel         string
	MetricsNamespace string
	Health           Health
	Relays           []Relay
}

type Health struct {
	MaxHeartbeatAge time.Duration
	MaxGoroutines   int
	ProbeTimeout    time.Duration
}

// Relay moves arrays from Source to Sink.
type Relay struct {
	Name         string
	Source       string
	Sink         string
	Period       time.Duration
	PollInterval time.Duration
	QueueSize    uint64
	WriteTimeout time.Duration
	UDP          UDP
	SHM          SHM
	Waveform     Waveform
}

type UDP struct {
	LocalPort     int
	RemotePort    int
	RemoteAddress string
	Blocking      bool
	ReadTimeout   time.Duration
	SocketBuffer  int
}

type SHM struct {
	Name        string
	Size        int
	LockTimeout time.Duration
}

type Waveform struct {
	Types     []string
	Period    time.Duration
	Amplitude float64
	Offset    float64
}

// Default returns the daemon defaults: admin on localhost, no relays.
func Default() Config {
	return Config{
		AdminListen:      "127.0.0.1:9464",
		LogLevel:         "warn",
		MetricsNamespace: "shmnet",
		Health: Health{
			MaxHeartbeatAge: 5 * time.Second,
			MaxGoroutines:   10000,
			ProbeTimeout:    100 * time.Millisecond,
		},
	}
}

// DefaultRelay mirrors the comms server defaults: datagrams from port 55001 into the
// shared map "comms_server".
func DefaultRelay(name string) Relay {
	return Relay{
		Name:         name,
		Source:       KindUDP,
		Sink:         KindSHM,
		PollInterval: time.Millisecond,
		QueueSize:    64,
		WriteTimeout: 100 * time.Millisecond,
		UDP: UDP{
			LocalPort:     55001,
			RemotePort:    55002,
			RemoteAddress: "127.0.0.1",
		},
		SHM: SHM{
			Name:        name,
			Size:        256,
			LockTimeout: time.Second,
		},
		Waveform: Waveform{
			Types:     []string{"sin", "triangle"},
			Period:    time.Second,
			Amplitude: 1,
		},
	}
}

type fileConfig struct {
	AdminListen      string      `toml:"admin_listen,omitempty"`
	LogLevel         string      `toml:"log_level,omitempty"`
	MetricsNamespace string      `toml:"metrics_namespace,omitempty"`
	Health           fileHealth  `toml:"health,omitempty"`
	Relays           []fileRelay `toml:"relay,omitempty"`
}

type fileHealth struct {
	MaxHeartbeatAge string `toml:"max_heartbeat_age,omitempty"`
	MaxGoroutines   *int   `toml:"max_goroutines,omitempty"`
	ProbeTimeout    string `toml:"probe_timeout,omitempty"`
}

type fileRelay struct {
	Name         string       `toml:"name,omitempty"`
	Source       string       `toml:"source,omitempty"`
	Sink         string       `toml:"sink,omitempty"`
	Period       string       `toml:"period,omitempty"`
	PollInterval string       `toml:"poll_interval,omitempty"`
	QueueSize    uint64       `toml:"queue_size,omitempty"`
	WriteTimeout string       `toml:"write_timeout,omitempty"`
	UDP          fileUDP      `toml:"udp,omitempty"`
	SHM          fileSHM      `toml:"shm,omitempty"`
	Waveform     fileWaveform `toml:"waveform,omitempty"`
}

type fileUDP struct {
	LocalPort     *int   `toml:"local_port,omitempty"`
	RemotePort    *int   `toml:"remote_port,omitempty"`
	RemoteAddress string `toml:"remote_address,omitempty"`
	Blocking      bool   `toml:"blocking,omitempty"`
	ReadTimeout   string `toml:"read_timeout,omitempty"`
	SocketBuffer  int    `toml:"socket_buffer,omitempty"`
}

type fileSHM struct {
	Name        string `toml:"name,omitempty"`
	Size        int    `toml:"size,omitempty"`
	LockTimeout string `toml:"lock_timeout,omitempty"`
}

type fileWaveform struct {
	Types     []string `toml:"types,omitempty"`
	Period    string   `toml:"period,omitempty"`
	Amplitude *float64 `toml:"amplitude,omitempty"`
	Offset    float64  `toml:"offset,omitempty"`
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	if meta.IsDefined("admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_namespace") {
		cfg.MetricsNamespace = strings.TrimSpace(raw.MetricsNamespace)
	}
	if err := overrideDuration(&cfg.Health.MaxHeartbeatAge, raw.Health.MaxHeartbeatAge, "health.max_heartbeat_age"); err != nil {
		return Config{}, err
	}
	if err := overrideDuration(&cfg.Health.ProbeTimeout, raw.Health.ProbeTimeout, "health.probe_timeout"); err != nil {
		return Config{}, err
	}
	if raw.Health.MaxGoroutines != nil {
		cfg.Health.MaxGoroutines = *raw.Health.MaxGoroutines
	}

	for i, fr := range raw.Relays {
		r, err := fr.resolve()
		if err != nil {
			return Config{}, fmt.Errorf("relay[%d]: %w", i, err)
		}
		cfg.Relays = append(cfg.Relays, r)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (fr fileRelay) resolve() (Relay, error) {
	r := DefaultRelay(strings.TrimSpace(fr.Name))
	if fr.Source != "" {
		r.Source = strings.ToLower(strings.TrimSpace(fr.Source))
	}
	if fr.Sink != "" {
		r.Sink = strings.ToLower(strings.TrimSpace(fr.Sink))
	}
	if fr.QueueSize > 0 {
		r.QueueSize = fr.QueueSize
	}
	durations := []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&r.Period, fr.Period, "period"},
		{&r.PollInterval, fr.PollInterval, "poll_interval"},
		{&r.WriteTimeout, fr.WriteTimeout, "write_timeout"},
		{&r.UDP.ReadTimeout, fr.UDP.ReadTimeout, "udp.read_timeout"},
		{&r.SHM.LockTimeout, fr.SHM.LockTimeout, "shm.lock_timeout"},
		{&r.Waveform.Period, fr.Waveform.Period, "waveform.period"},
	}
	for _, d := range durations {
		if err := overrideDuration(d.dst, d.raw, d.key); err != nil {
			return Relay{}, err
		}
	}

	if fr.UDP.LocalPort != nil {
		r.UDP.LocalPort = *fr.UDP.LocalPort
	}
	if fr.UDP.RemotePort != nil {
		r.UDP.RemotePort = *fr.UDP.RemotePort
	}
	if fr.UDP.RemoteAddress != "" {
		r.UDP.RemoteAddress = strings.TrimSpace(fr.UDP.RemoteAddress)
	}
	r.UDP.Blocking = fr.UDP.Blocking
	r.UDP.SocketBuffer = fr.UDP.SocketBuffer

	if fr.SHM.Name != "" {
		r.SHM.Name = strings.TrimSpace(fr.SHM.Name)
	}
	if fr.SHM.Size > 0 {
		r.SHM.Size = fr.SHM.Size
	}

	if len(fr.Waveform.Types) > 0 {
		r.Waveform.Types = fr.Waveform.Types
	}
	if fr.Waveform.Amplitude != nil {
		r.Waveform.Amplitude = *fr.Waveform.Amplitude
	}
	r.Waveform.Offset = fr.Waveform.Offset
	return r, nil
}

// overrideDuration parses raw into dst when raw is set. "infinite" maps to -1.
func overrideDuration(dst *time.Duration, raw, key string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.EqualFold(raw, "infinite") {
		*dst = -1
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate checks a resolved config.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.AdminListen) == "" {
		return errors.New("admin_listen is required")
	}
	if cfg.Health.MaxHeartbeatAge <= 0 {
		return errors.New("health.max_heartbeat_age must be positive")
	}
	seen := make(map[string]bool, len(cfg.Relays))
	for i, r := range cfg.Relays {
		if err := ValidateRelay(r); err != nil {
			return fmt.Errorf("relay[%d] invalid: %w", i, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("relay[%d] invalid: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

func ValidateRelay(r Relay) error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	switch r.Source {
	case KindUDP, KindSHM, KindWaveform:
	default:
		return fmt.Errorf("unknown source %q", r.Source)
	}
	switch r.Sink {
	case KindUDP, KindSHM:
	default:
		return fmt.Errorf("unknown sink %q", r.Sink)
	}
	if r.Source == r.Sink {
		return fmt.Errorf("source and sink are both %s", r.Source)
	}
	if r.Source != KindUDP && r.Period <= 0 {
		return fmt.Errorf("period is required for a %s source", r.Source)
	}
	if r.Source == KindWaveform && r.Waveform.Period <= 0 {
		return errors.New("waveform.period must be positive")
	}
	return nil
}

// WriteTemplate writes an example config to path. An existing file is only
// replaced when force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	server := Default()
	if _, err := fmt.Fprintf(f, "# shmnet daemon configuration\n\n"); err != nil {
		return err
	}
	tmpl := fileConfig{
		AdminListen:      server.AdminListen,
		LogLevel:         server.LogLevel,
		MetricsNamespace: server.MetricsNamespace,
		Health: fileHealth{
			MaxHeartbeatAge: server.Health.MaxHeartbeatAge.String(),
			ProbeTimeout:    server.Health.ProbeTimeout.String(),
		},
		Relays: []fileRelay{
			{
				Name:   "comms_server",
				Source: KindUDP,
				Sink:   KindSHM,
				UDP:    fileUDP{LocalPort: ptr(55001), RemotePort: ptr(55002), RemoteAddress: "127.0.0.1"},
				SHM:    fileSHM{Name: "comms_server", Size: 256, LockTimeout: "1s"},
			},
			{
				Name:     "demo",
				Source:   KindWaveform,
				Sink:     KindUDP,
				Period:   "1ms",
				UDP:      fileUDP{LocalPort: ptr(55002), RemotePort: ptr(55001), RemoteAddress: "127.0.0.1"},
				Waveform: fileWaveform{Types: []string{"sin", "triangle"}, Period: "1s"},
			},
		},
	}
	return toml.NewEncoder(f).Encode(tmpl)
}

func ptr[T any](v T) *T { return &v }
