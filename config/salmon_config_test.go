package config

import (
	"os"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationString_UnmarshalYAML(t *testing.T) {
	var d DurationString
	cases := []struct {
		input     string
		expect    time.Duration
		shouldErr bool
	}{
		{"10s", 10 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"15", 15 * time.Millisecond, false}, // int tag, milliseconds
		{"bad", 0, true},
		{"10h", 0, true},
	}
	for _, c := range cases {
		var node yaml.Node
		node.Value = c.input
		if c.input == "15" {
			node.Tag = "!!int"
		}
		err := d.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("expected error for input %q", c.input)
		}
		if !c.shouldErr && (err != nil || time.Duration(d) != c.expect) {
			t.Errorf("input %q: got %v, want %v", c.input, time.Duration(d), c.expect)
		}
	}
}

func TestSizeString_UnmarshalYAML(t *testing.T) {
	var s SizeString
	cases := []struct {
		input     string
		expect    int64
		shouldErr bool
	}{
		{"10K", 10 << 10, false},
		{"2M", 2 << 20, false},
		{"1G", 1 << 30, false},
		{"100", 100, false},
		{"bad", 0, true},
		{"10k", 0, true}, // lowercase not allowed
	}
	for _, c := range cases {
		var node yaml.Node
		node.Value = c.input
		err := s.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("expected error for input %q", c.input)
		}
		if !c.shouldErr && (err != nil || int64(s) != c.expect) {
			t.Errorf("input %q: got %v, want %v", c.input, int64(s), c.expect)
		}
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := QuicBridgeConfig{
		Bridges: []BridgeConfig{{}},
	}
	cfg.SetDefaults()
	b := cfg.Bridges[0]
	if b.ListenAddress != "127.0.0.1" {
		t.Errorf("ListenAddress default not set, got %q", b.ListenAddress)
	}
	if b.Protocol != ProtocolTCP {
		t.Errorf("Protocol default not set, got %q", b.Protocol)
	}
	if b.TCPTimeout != DurationString(10*time.Second) {
		t.Errorf("TCPTimeout default not set")
	}
	if b.UDPTimeout != DurationString(10*time.Second) {
		t.Errorf("UDPTimeout default not set")
	}
}

func TestLoadConfig(t *testing.T) {
	yamlData := `bridges:
  - Name: test
    Role: ingress
    Protocol: tcp
    ListenPort: 1099
    RemoteAddr: "127.0.0.1:1100"
    TCPTimeoutMs: "15s"
    GamingMode: true
    BandwidthLimit: "20M"
`
	f, err := os.CreateTemp("", "quicbridge_config_test.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString(yamlData)
	f.Close()

	cfg, err := LoadConfig(f.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Bridges) != 1 {
		t.Fatalf("expected 1 bridge, got %d", len(cfg.Bridges))
	}
	b := cfg.Bridges[0]
	if b.Name != "test" || b.Role != RoleIngress || b.Protocol != ProtocolTCP || b.ListenPort != 1099 || b.RemoteAddr != "127.0.0.1:1100" {
		t.Errorf("bridge fields not parsed correctly: %+v", b)
	}
	if b.TCPTimeout != DurationString(15*time.Second) {
		t.Errorf("TCPTimeout not parsed correctly")
	}
	if !b.GamingMode {
		t.Errorf("GamingMode not parsed correctly")
	}
	if b.BandwidthLimit != SizeString(20<<20) {
		t.Errorf("BandwidthLimit not parsed correctly")
	}
}

func TestGlobalLogConfig_Defaults(t *testing.T) {
	cfg := QuicBridgeConfig{}
	cfg.SetDefaults()
	if cfg.GlobalLog == nil {
		t.Fatalf("GlobalLog should not be nil after SetDefaults")
	}
	if cfg.GlobalLog.Filename != "" {
		t.Errorf("Filename default should not be set, got %q", cfg.GlobalLog.Filename)
	}
	if cfg.GlobalLog.MaxSize != 1 {
		t.Errorf("MaxSize default not set, got %d", cfg.GlobalLog.MaxSize)
	}
	if cfg.GlobalLog.MaxBackups != 1 {
		t.Errorf("MaxBackups default not set, got %d", cfg.GlobalLog.MaxBackups)
	}
	if cfg.GlobalLog.MaxAge != 1 {
		t.Errorf("MaxAge default not set, got %d", cfg.GlobalLog.MaxAge)
	}
	if cfg.GlobalLog.Compress != false {
		t.Errorf("Compress default not set, got %v", cfg.GlobalLog.Compress)
	}
}

func TestGlobalLogConfig_ParseYAML(t *testing.T) {
	yamlData := `globallog:
  Filename: "custom.log"
  MaxSize: 42
  MaxBackups: 7
  MaxAge: 99
  Compress: true
bridges:
  - Name: test
    Role: egress
    Protocol: udp
    ListenPort: 1100
    UpstreamAddr: "127.0.0.1:5000"
`
	f, err := os.CreateTemp("", "quicbridge_config_test.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString(yamlData)
	f.Close()

	cfg, err := LoadConfig(f.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.GlobalLog == nil {
		t.Fatalf("GlobalLog should not be nil after parsing YAML")
	}
	if cfg.GlobalLog.Filename != "custom.log" {
		t.Errorf("Filename not parsed correctly, got %q", cfg.GlobalLog.Filename)
	}
	if cfg.GlobalLog.MaxSize != 42 {
		t.Errorf("MaxSize not parsed correctly, got %d", cfg.GlobalLog.MaxSize)
	}
	if cfg.GlobalLog.MaxBackups != 7 {
		t.Errorf("MaxBackups not parsed correctly, got %d", cfg.GlobalLog.MaxBackups)
	}
	if cfg.GlobalLog.MaxAge != 99 {
		t.Errorf("MaxAge not parsed correctly, got %d", cfg.GlobalLog.MaxAge)
	}
	if cfg.GlobalLog.Compress != true {
		t.Errorf("Compress not parsed correctly, got %v", cfg.GlobalLog.Compress)
	}
	if cfg.Bridges[0].Role != RoleEgress || cfg.Bridges[0].Protocol != ProtocolUDP {
		t.Errorf("egress/udp bridge not parsed correctly: %+v", cfg.Bridges[0])
	}
}
