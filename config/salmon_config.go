package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalLogConfig holds optional global log file settings.
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
}

// DurationString supports "10s", "5m" (only lowercase s/m), or a bare
// integer number of milliseconds.
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Millisecond)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString supports "10K", "10M", "1G" (uppercase only).
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	default:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("invalid size string: %s (must end with 'K','M','G')", value.Value)
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = SizeString(v * multiplier)
	return nil
}

// Role is which side of the tunnel a bridge plays.
type Role string

const (
	RoleIngress Role = "ingress"
	RoleEgress  Role = "egress"
)

// Protocol is which local traffic a bridge relays.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// BridgeConfig configures one tunnel driver. An ingress bridge accepts local TCP/UDP traffic and dials the
// tunnel; an egress bridge accepts tunnel streams and dials upstream.
type BridgeConfig struct {
	Name     string   `yaml:"Name"`
	Role     Role     `yaml:"Role"`
	Protocol Protocol `yaml:"Protocol"`

	// Ingress: local address/port to accept client TCP/UDP on.
	// Egress: port to listen for inbound QUIC connections on.
	ListenAddress string `yaml:"ListenAddress,omitempty"`
	ListenPort    int    `yaml:"ListenPort,omitempty"`

	// Ingress: tunnel dial target, "host:port". Egress: expected remote
	// host to accept tunnel connections from (empty allows any).
	RemoteAddr string `yaml:"RemoteAddr,omitempty"`

	// Egress only: upstream dial target for relayed traffic.
	UpstreamAddr string `yaml:"UpstreamAddr,omitempty"`

	TCPTimeout DurationString `yaml:"TCPTimeoutMs,omitempty"`
	UDPTimeout DurationString `yaml:"UDPTimeoutMs,omitempty"`

	GamingMode     bool       `yaml:"GamingMode,omitempty"`
	BandwidthLimit SizeString `yaml:"BandwidthLimit,omitempty"` // bytes/sec, 0 disables shaping

	InterfaceName string `yaml:"InterfaceName,omitempty"` // SO_BINDTODEVICE, linux only
	SharedSecret  string `yaml:"SharedSecret,omitempty"`  // encrypts REQ_UDP_START peer address when set
	StatusPort    int    `yaml:"StatusPort,omitempty"`    // optional status HTTP endpoint, 0 disables

	// PairWith names another ingress bridge of the opposite Protocol that
	// should share this bridge's tunnel connection, so the UDP driver can
	// signal the TCP driver to stop and rebuild when it observes the
	// shared tunnel is down. Both bridges must set PairWith to each
	// other's Name. Ingress only; ignored on egress bridges.
	PairWith string `yaml:"PairWith,omitempty"`
}

// APIConfig configures the optional status HTTP endpoint's TLS. Leaving
// both fields empty serves plain HTTP.
type APIConfig struct {
	TLSCert string `yaml:"TLSCert,omitempty"`
	TLSKey  string `yaml:"TLSKey,omitempty"`
}

// QuicBridgeConfig holds every configured bridge plus global logging.
type QuicBridgeConfig struct {
	Bridges   []BridgeConfig   `yaml:"bridges"`
	GlobalLog *GlobalLogConfig `yaml:"globallog,omitempty"`
	API       *APIConfig       `yaml:"api,omitempty"`
}

// SetDefaults fills in every optional field left unset in the YAML.
func (c *QuicBridgeConfig) SetDefaults() {
	for i, b := range c.Bridges {
		if b.ListenAddress == "" {
			c.Bridges[i].ListenAddress = "127.0.0.1"
		}
		if b.Protocol == "" {
			c.Bridges[i].Protocol = ProtocolTCP
		}
		if b.TCPTimeout == 0 {
			c.Bridges[i].TCPTimeout = DurationString(10 * time.Second)
		}
		if b.UDPTimeout == 0 {
			c.Bridges[i].UDPTimeout = DurationString(10 * time.Second)
		}
	}

	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{
			Filename:   "", // empty keeps the standard logger's output (stderr)
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
			Compress:   false,
		}
	} else {
		if c.GlobalLog.Filename == "" {
			c.GlobalLog.Filename = "quicbridge.log"
		}
		if c.GlobalLog.MaxSize == 0 {
			c.GlobalLog.MaxSize = 20
		}
		if c.GlobalLog.MaxBackups == 0 {
			c.GlobalLog.MaxBackups = 5
		}
		if c.GlobalLog.MaxAge == 0 {
			c.GlobalLog.MaxAge = 28
		}
	}
}

// LoadConfig reads and parses a YAML bridge configuration file.
func LoadConfig(path string) (*QuicBridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg QuicBridgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}
