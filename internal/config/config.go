// Package config loads node configuration. Configuration loading itself is
// a non-goal (spec §1) — this package is the thin adapter contract the
// rest of the node reads identity and bind settings from, not a rich
// provider-config system.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig controls the ambient OpenTelemetry wiring (spec §1
// "carried despite non-goals").
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// FederationConfig names the rooms this node joins at startup and the
// Cloud Anchor endpoint used for discovery/relay (spec §4.7, §6).
type FederationConfig struct {
	RoomIDs         []string `yaml:"room_ids"`
	CloudAnchorURL  string   `yaml:"cloud_anchor_url"`
	LANDiscovery    bool     `yaml:"lan_discovery"`
	AllowOrigins    []string `yaml:"allow_origins"`
	StunServer      string   `yaml:"stun_server"`
}

// Config is the node's own configuration (spec §6 "Persisted state" /
// node identity). CIS_* environment variables override the equivalent
// field after node.yaml is parsed.
type Config struct {
	NodeID       string           `yaml:"node_id"`
	HomeDir      string           `yaml:"-"`
	BindAddr     string           `yaml:"bind_addr"`
	LogLevel     string           `yaml:"log_level"`
	NeedsGenesis bool             `yaml:"-"`

	AgentPoolSize      int `yaml:"agent_pool_size"`
	MaxRetries         int `yaml:"max_retries"`
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Federation FederationConfig `yaml:"federation"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:18943",
		LogLevel:           "info",
		AgentPoolSize:      4,
		MaxRetries:         3,
		MaxConcurrentTasks: 4,
	}
}

// HomeDir resolves the node's data directory: CIS_HOME, else ~/.cis-node.
func HomeDir() string {
	if override := os.Getenv("CIS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cis-node")
}

// ConfigPath returns the path to node.yaml under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "node.yaml")
}

// Load reads node.yaml from HomeDir(), applying CIS_* environment
// overrides and filling in defaults. A missing node.yaml sets
// NeedsGenesis rather than erroring, matching the teacher's
// first-run-bootstrap convention.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create node home: %w", err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read node.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse node.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18943"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AgentPoolSize <= 0 {
		cfg.AgentPoolSize = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = deriveNodeID(cfg.HomeDir)
	}
}

// deriveNodeID reads (or creates) a stable node_id file under homeDir so a
// node keeps the same identity across restarts absent an explicit
// node_id in node.yaml (spec §6 "CIS_NODE_ID overrides derived node
// identity").
func deriveNodeID(homeDir string) string {
	idPath := filepath.Join(homeDir, "node_id")
	if b, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}
	id := "node-" + randomHex(8)
	_ = os.WriteFile(idPath, []byte(id+"\n"), 0o600)
	return id
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CIS_NODE_ID"); raw != "" {
		cfg.NodeID = raw
	}
	if raw := os.Getenv("CIS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CIS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CIS_AGENT_POOL_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AgentPoolSize = v
		}
	}
	if raw := os.Getenv("CIS_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetries = v
		}
	}
	if raw := os.Getenv("CIS_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("CIS_CLOUD_ANCHOR_URL"); raw != "" {
		cfg.Federation.CloudAnchorURL = raw
	}
}

// Fingerprint returns a short stable string summarizing config that
// affects clients, used by the gateway-equivalent surface to detect
// drift without leaking secrets.
func (c Config) Fingerprint() string {
	return fmt.Sprintf("%s:%s:%d", c.NodeID, c.BindAddr, c.AgentPoolSize)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}
