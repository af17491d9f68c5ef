package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://edge:1883\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.MQTT.Broker != "tcp://edge:1883" {
		t.Errorf("MQTT.Broker = %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	wantPaths := []string{
		"Vehicle.CurrentLocation.Altitude",
		"Vehicle.CurrentLocation.Latitude",
		"Vehicle.CurrentLocation.Longitude",
		"Vehicle.Speed",
	}
	if diff := cmp.Diff(wantPaths, cfg.Kuksa.Paths); diff != "" {
		t.Errorf("Kuksa.Paths mismatch (-want +got):\n%s", diff)
	}
	want := TwinConfig{
		IdentityRequestTopic:  "edge/thing/request",
		IdentityResponseTopic: "edge/thing/response",
		CommandTopic:          "e/{tenantId}/{thingId}",
	}
	if diff := cmp.Diff(want, cfg.Twin); diff != "" {
		t.Errorf("Twin mismatch (-want +got):\n%s", diff)
	}
	if cfg.Kuksa.TreePath != "Vehicle.*" {
		t.Errorf("Kuksa.TreePath = %q", cfg.Kuksa.TreePath)
	}
	if cfg.Kuksa.RequestTimeout != 10*time.Second {
		t.Errorf("Kuksa.RequestTimeout = %v", cfg.Kuksa.RequestTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
kuksa:
  url: ws://databroker:8090
  paths:
    - Vehicle.Speed
  request_timeout: 3s
transformers:
  - path: Vehicle.Speed
    script_code: "function transform(v) { return v * 3.6; }"
logger:
  level: debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff([]string{"Vehicle.Speed"}, cfg.Kuksa.Paths); diff != "" {
		t.Errorf("Kuksa.Paths mismatch (-want +got):\n%s", diff)
	}
	if cfg.Kuksa.RequestTimeout != 3*time.Second {
		t.Errorf("Kuksa.RequestTimeout = %v", cfg.Kuksa.RequestTimeout)
	}
	if len(cfg.Transformers) != 1 || cfg.Transformers[0].Path != "Vehicle.Speed" {
		t.Errorf("Transformers = %+v", cfg.Transformers)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig(missing file) = nil error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			MQTT:  MQTTConfig{Broker: "tcp://localhost:1883", QoS: 1},
			Kuksa: KuksaConfig{URL: "ws://localhost:8090", TreePath: "Vehicle.*", Paths: []string{"Vehicle.Speed"}},
			Twin: TwinConfig{
				IdentityRequestTopic:  "edge/thing/request",
				IdentityResponseTopic: "edge/thing/response",
				CommandTopic:          "e/{tenantId}/{thingId}",
			},
			Logger: LoggerConfig{Level: "info"},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no broker", func(c *Config) { c.MQTT.Broker = "" }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"no kuksa url", func(c *Config) { c.Kuksa.URL = "" }},
		{"no paths", func(c *Config) { c.Kuksa.Paths = nil }},
		{"bad path", func(c *Config) { c.Kuksa.Paths = []string{"Vehicle/Speed"} }},
		{"bad tree path", func(c *Config) { c.Kuksa.TreePath = "*" }},
		{"no identity topic", func(c *Config) { c.Twin.IdentityResponseTopic = "" }},
		{"no command topic", func(c *Config) { c.Twin.CommandTopic = "" }},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }},
		{"transformer without script", func(c *Config) {
			c.Transformers = []Transformer{{Path: "Vehicle.Speed"}}
		}},
		{"duplicate transformer", func(c *Config) {
			c.Transformers = []Transformer{
				{Path: "Vehicle.Speed", ScriptCode: "x"},
				{Path: "Vehicle.Speed", ScriptCode: "y"},
			}
		}},
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate(valid) = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}
