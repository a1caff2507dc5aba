package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/peer"
	"github.com/route-beacon/bgpd/internal/process"
)

// Config is the top-level on-disk shape for one speaker instance.
type Config struct {
	Service   ServiceConfig     `koanf:"service"`
	Listen    ListenConfig      `koanf:"listen"`
	Neighbors []NeighborConfig  `koanf:"neighbors"`
	Processes []ProcessConfig   `koanf:"processes"`
	Telemetry TelemetryConfig   `koanf:"telemetry"`
	Retention RetentionConfig   `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	Identifier             string `koanf:"identifier"` // router-wide BGP identifier, dotted-quad
	LocalASN               uint32 `koanf:"local_asn"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type ListenConfig struct {
	Addresses []string `koanf:"addresses"`
}

// NeighborConfig is the on-disk form of one peer.Config; ToPeerConfig
// resolves its string fields (families, identifier) into the typed
// values internal/peer expects.
type NeighborConfig struct {
	Address         string            `koanf:"address"`
	Port            int               `koanf:"port"`
	LocalAddress    string            `koanf:"local_address"`
	RemoteASN       uint32            `koanf:"remote_asn"`
	Passive         bool              `koanf:"passive"`
	MD5Key          string            `koanf:"md5_key"`
	TTL             int               `koanf:"ttl"`
	HoldTimeSeconds uint16            `koanf:"hold_time_seconds"`
	Families        []string          `koanf:"families"`
	AddPathFamilies map[string]string `koanf:"add_path_families"` // family -> "send"|"receive"|"both"
	ExtendedMessage bool              `koanf:"extended_message"`
	RouteRefresh    bool              `koanf:"route_refresh"`
	EnhancedRefresh bool              `koanf:"enhanced_refresh"`
	GracefulRestart bool              `koanf:"graceful_restart"`
	RestartSeconds  uint16            `koanf:"restart_time_seconds"`
	TLS             TLSConfig         `koanf:"tls"`
}

type ProcessConfig struct {
	Name      string   `koanf:"name"`
	Command   []string `koanf:"command"`
	Encoder   string   `koanf:"encoder"` // "text" | "json"
	Respawn   bool     `koanf:"respawn"`
	Ack       bool     `koanf:"ack"`
	Neighbors []string `koanf:"neighbors"`
}

// TelemetryConfig configures the always-on metrics sink's two optional
// downstream sinks: a Postgres snapshot store and a Kafka event bus.
// Either, both, or neither may be enabled.
type TelemetryConfig struct {
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`
}

type PostgresConfig struct {
	Enabled  bool   `koanf:"enabled"`
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
	Compress bool   `koanf:"compress"`
}

type KafkaConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Load reads path (if non-empty) and overlays environment variables,
// then applies defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPD_SERVICE__LOCAL_ASN → service.local_asn
	if err := k.Load(env.Provider("BGPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgpd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Listen: ListenConfig{
			Addresses: []string{":179"},
		},
		Telemetry: TelemetryConfig{
			Postgres: PostgresConfig{MaxConns: 10, MinConns: 2},
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Listen.Addresses) == 1 && strings.Contains(cfg.Listen.Addresses[0], ",") {
		cfg.Listen.Addresses = strings.Split(cfg.Listen.Addresses[0], ",")
	}
	if len(cfg.Telemetry.Kafka.Brokers) == 1 && strings.Contains(cfg.Telemetry.Kafka.Brokers[0], ",") {
		cfg.Telemetry.Kafka.Brokers = strings.Split(cfg.Telemetry.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.Identifier == "" {
		return fmt.Errorf("config: service.identifier is required")
	}
	if net.ParseIP(c.Service.Identifier).To4() == nil {
		return fmt.Errorf("config: service.identifier %q is not a valid IPv4 address", c.Service.Identifier)
	}
	if c.Service.LocalASN == 0 {
		return fmt.Errorf("config: service.local_asn is required")
	}
	if len(c.Listen.Addresses) == 0 {
		return fmt.Errorf("config: listen.addresses is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if len(c.Neighbors) == 0 {
		return fmt.Errorf("config: at least one neighbor is required")
	}
	seen := make(map[string]bool, len(c.Neighbors))
	for _, n := range c.Neighbors {
		if n.Address == "" {
			return fmt.Errorf("config: neighbor address is required")
		}
		key := fmt.Sprintf("%s:%d", n.Address, n.Port)
		if seen[key] {
			return fmt.Errorf("config: duplicate neighbor %s", key)
		}
		seen[key] = true
		if n.Port <= 0 {
			return fmt.Errorf("config: neighbor %s: port must be > 0", n.Address)
		}
		for _, fam := range n.Families {
			if _, err := afi.ParseFamily(fam); err != nil {
				return fmt.Errorf("config: neighbor %s: %w", n.Address, err)
			}
		}
		for fam, dir := range n.AddPathFamilies {
			if _, err := afi.ParseFamily(fam); err != nil {
				return fmt.Errorf("config: neighbor %s: add_path_families: %w", n.Address, err)
			}
			if _, err := parseAddPathDirection(dir); err != nil {
				return fmt.Errorf("config: neighbor %s: add_path_families: %w", n.Address, err)
			}
		}
	}
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("config: process name is required")
		}
		if len(p.Command) == 0 {
			return fmt.Errorf("config: process %s: command is required", p.Name)
		}
		if p.Encoder != "" && p.Encoder != "text" && p.Encoder != "json" {
			return fmt.Errorf("config: process %s: encoder must be text or json (got %q)", p.Name, p.Encoder)
		}
	}
	if c.Telemetry.Postgres.Enabled {
		if c.Telemetry.Postgres.DSN == "" {
			return fmt.Errorf("config: telemetry.postgres.dsn is required when enabled")
		}
		if c.Telemetry.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: telemetry.postgres.max_conns must be > 0 (got %d)", c.Telemetry.Postgres.MaxConns)
		}
	}
	if c.Telemetry.Kafka.Enabled {
		if len(c.Telemetry.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: telemetry.kafka.brokers is required when enabled")
		}
		if c.Telemetry.Kafka.Topic == "" {
			return fmt.Errorf("config: telemetry.kafka.topic is required when enabled")
		}
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

func parseAddPathDirection(s string) (uint8, error) {
	switch s {
	case "send":
		return capability.AddPathSend, nil
	case "receive":
		return capability.AddPathReceive, nil
	case "both":
		return capability.AddPathSend | capability.AddPathReceive, nil
	default:
		return 0, fmt.Errorf("unknown add-path direction %q", s)
	}
}

func identifierBytes(dotted string) [4]byte {
	ip := net.ParseIP(dotted).To4()
	var out [4]byte
	copy(out[:], ip)
	return out
}

// ToPeerConfig resolves one on-disk neighbor entry into a peer.Config,
// stamping the router-wide identifier/ASN the neighbor entry itself
// does not repeat.
func (c *Config) ToPeerConfig(n NeighborConfig) (peer.Config, error) {
	families := make([]afi.Family, 0, len(n.Families))
	for _, fs := range n.Families {
		f, err := afi.ParseFamily(fs)
		if err != nil {
			return peer.Config{}, err
		}
		families = append(families, f)
	}
	var addPath map[afi.Family]uint8
	if len(n.AddPathFamilies) > 0 {
		addPath = make(map[afi.Family]uint8, len(n.AddPathFamilies))
		for fs, dir := range n.AddPathFamilies {
			f, err := afi.ParseFamily(fs)
			if err != nil {
				return peer.Config{}, err
			}
			d, err := parseAddPathDirection(dir)
			if err != nil {
				return peer.Config{}, err
			}
			addPath[f] = d
		}
	}
	var tlsCfg *tls.Config
	if n.TLS.Enabled {
		built, err := buildTLSConfig(n.TLS)
		if err != nil {
			return peer.Config{}, fmt.Errorf("neighbor %s: %w", n.Address, err)
		}
		tlsCfg = built
	}
	return peer.Config{
		RemoteAddress:   n.Address,
		RemotePort:      n.Port,
		LocalAddress:    n.LocalAddress,
		LocalASN:        c.Service.LocalASN,
		RemoteASN:       n.RemoteASN,
		Passive:         n.Passive,
		MD5Key:          n.MD5Key,
		TTL:             n.TTL,
		HoldTime:        n.HoldTimeSeconds,
		Identifier:      identifierBytes(c.Service.Identifier),
		Families:        families,
		AddPathFamilies: addPath,
		ExtendedMessage: n.ExtendedMessage,
		RouteRefresh:    n.RouteRefresh,
		EnhancedRefresh: n.EnhancedRefresh,
		GracefulRestart: n.GracefulRestart,
		RestartTime:     n.RestartSeconds,
		TLS:             tlsCfg,
	}, nil
}

// ToProcessSpec resolves one on-disk process entry into a process.Spec.
func (c *Config) ToProcessSpec(p ProcessConfig) process.Spec {
	enc := process.EncoderText
	if p.Encoder == "json" {
		enc = process.EncoderJSON
	}
	return process.Spec{
		Name:      p.Name,
		Command:   p.Command,
		Encoder:   enc,
		Respawn:   p.Respawn,
		Ack:       p.Ack,
		Neighbors: p.Neighbors,
	}
}

// buildTLSConfig creates a *tls.Config from a neighbor's TLS settings.
func buildTLSConfig(t TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{}
	if t.CAFile != "" {
		caPEM, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildTLSConfig creates a *tls.Config from the telemetry Kafka bus's
// TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	return buildTLSConfig(k.TLS)
}

// BuildSASLMechanism creates a SASL mechanism from the telemetry Kafka
// bus's SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
