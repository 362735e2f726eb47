package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// AppRule binds an application identity to a tunnel. An empty TunnelID means
// traffic from that identity bypasses all tunnels (direct).
type AppRule struct {
	// Identity is the opaque application identifier (e.g. "com.app.a").
	Identity string `yaml:"identity"`
	// TunnelID identifies which tunnel carries this identity's traffic.
	TunnelID string `yaml:"tunnel_id,omitempty"`
}

// TunnelConfig holds the configuration for a single tunnel backend.
type TunnelConfig struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"` // backend protocol, e.g. "loopback"
	Name     string `yaml:"name,omitempty"`

	// Protocol-specific configuration stored as a generic map.
	// Parsed by the corresponding backend implementation.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// DNSRouteConfig configures routing of DNS traffic with no flow history.
type DNSRouteConfig struct {
	// TunnelID is the explicitly preferred tunnel for orphan DNS queries.
	// Empty means fall back to the first ready tunnel.
	TunnelID string `yaml:"tunnel_id,omitempty"`
}

// Duration is a time.Duration with YAML support ("300s", "10s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return nil, nil // omit default
	}
	return time.Duration(d).String(), nil
}

// EngineConfig holds tuning knobs for the routing engine. Zero values mean
// "use the engine defaults" (300s TTL, 10s queue timeout, 10k table bounds).
type EngineConfig struct {
	ConnectionTTL  Duration `yaml:"connection_ttl,omitempty"`
	MaxConnections int      `yaml:"max_connections,omitempty"`
	QueueTimeout   Duration `yaml:"queue_timeout,omitempty"`
	MaxQueueSize   int      `yaml:"max_queue_size,omitempty"`
}

// CaptureConfig configures the capture edge opened by the daemon.
type CaptureConfig struct {
	Interface string `yaml:"interface,omitempty"` // TUN device name
	MTU       int    `yaml:"mtu,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Tunnels []TunnelConfig `yaml:"tunnels"`
	Rules   []AppRule      `yaml:"rules"`
	DNS     DNSRouteConfig `yaml:"dns,omitempty"`
	Engine  EngineConfig   `yaml:"engine,omitempty"`
	Capture CaptureConfig  `yaml:"capture,omitempty"`
	Logging LogConfig      `yaml:"logging,omitempty"`
}

// ConfigManager handles loading, saving, and hot-reloading configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// defaultConfig returns an empty but valid configuration.
func defaultConfig() Config {
	return Config{}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return fmt.Errorf("[Core] invalid config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// validate rejects configs the engine cannot act on.
func validate(cfg Config) error {
	ids := make(map[string]struct{}, len(cfg.Tunnels))
	for _, tc := range cfg.Tunnels {
		if tc.ID == "" {
			return fmt.Errorf("tunnel with empty id")
		}
		if _, dup := ids[tc.ID]; dup {
			return fmt.Errorf("duplicate tunnel id %q", tc.ID)
		}
		ids[tc.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if r.Identity == "" {
			return fmt.Errorf("rule with empty identity")
		}
		if _, dup := seen[r.Identity]; dup {
			return fmt.Errorf("duplicate rule for identity %q", r.Identity)
		}
		seen[r.Identity] = struct{}{}
		if r.TunnelID != "" {
			if _, ok := ids[r.TunnelID]; !ok {
				return fmt.Errorf("rule %q references unknown tunnel %q", r.Identity, r.TunnelID)
			}
		}
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// GetTunnels returns tunnel configurations.
func (cm *ConfigManager) GetTunnels() []TunnelConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	result := make([]TunnelConfig, len(cm.config.Tunnels))
	copy(result, cm.config.Tunnels)
	return result
}

// GetRules returns app routing rules.
func (cm *ConfigManager) GetRules() []AppRule {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	result := make([]AppRule, len(cm.config.Rules))
	copy(result, cm.config.Rules)
	return result
}

// SetRules replaces the app routing rules and publishes a reload event.
func (cm *ConfigManager) SetRules(rules []AppRule) {
	cm.mu.Lock()
	cm.config.Rules = rules
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
