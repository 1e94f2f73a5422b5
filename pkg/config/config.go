// Package config provides TOML configuration loading for scanbridge.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Network  NetworkConfig  `toml:"network"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Registry RegistryConfig `toml:"registry"`
	Agent    AgentConfig    `toml:"agent"`
	Log      LogConfig      `toml:"log"`
}

// NetworkConfig holds the control- and data-plane settings.
type NetworkConfig struct {
	UDPPort              int    `toml:"udp_port"`
	TCPPort              int    `toml:"tcp_port"`
	DiscoveryTimeout     string `toml:"discovery_timeout"`
	TCPChunkSize         int    `toml:"tcp_chunk_size"`
	TCPConnectionTimeout string `toml:"tcp_connection_timeout"`
	PendingWindow        string `toml:"pending_window"`
	ShutdownGrace        string `toml:"shutdown_grace"`
}

// ScannerConfig holds the agent's protocol identity and store settings.
type ScannerConfig struct {
	DefaultSrcName    string `toml:"default_src_name"`
	FilesDirectory    string `toml:"files_directory"`
	MaxFilesRetention int    `toml:"max_files_retention"`
	MaxRetryAttempts  int    `toml:"max_retry_attempts"`
}

// ProxyConfig enables forwarding received payloads to a downstream agent.
type ProxyConfig struct {
	Enabled        bool   `toml:"enabled"`
	AgentIPAddress string `toml:"agent_ip_address"`
}

// RegistryConfig enables the scanner sighting database. Empty path disables
// it, keeping the files directory the only persisted state.
type RegistryConfig struct {
	DBPath string `toml:"db_path"`
}

// AgentConfig holds local operator-facing settings.
type AgentConfig struct {
	RPCSocket string `toml:"rpc_socket"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// ParseDiscoveryTimeout parses the forwarder's ack wait.
func (n *NetworkConfig) ParseDiscoveryTimeout() (time.Duration, error) {
	if n.DiscoveryTimeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(n.DiscoveryTimeout)
}

// ParseConnectionTimeout parses the per-connection no-progress bound.
func (n *NetworkConfig) ParseConnectionTimeout() (time.Duration, error) {
	if n.TCPConnectionTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(n.TCPConnectionTimeout)
}

// ParsePendingWindow parses the idle expiry of pending transfer entries.
func (n *NetworkConfig) ParsePendingWindow() (time.Duration, error) {
	if n.PendingWindow == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(n.PendingWindow)
}

// ParseShutdownGrace parses the grace period granted to in-flight sessions.
func (n *NetworkConfig) ParseShutdownGrace() (time.Duration, error) {
	if n.ShutdownGrace == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(n.ShutdownGrace)
}

// Load reads and parses a TOML config file, applying defaults for unset
// values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg, retentionKeySet(data))
	cfg.expandPaths()
	return cfg, nil
}

// retentionKeySet reports whether the file sets scanner.max_files_retention
// explicitly. An explicit 0 means "keep nothing" and must not be replaced
// by the default; TOML zero values are otherwise indistinguishable from
// unset fields.
func retentionKeySet(data []byte) bool {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return false
	}
	scanner, ok := raw["scanner"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = scanner["max_files_retention"]
	return ok
}

func (cfg *Config) expandPaths() {
	cfg.Scanner.FilesDirectory = ExpandPath(cfg.Scanner.FilesDirectory)
	cfg.Registry.DBPath = ExpandPath(cfg.Registry.DBPath)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config, retentionSet bool) {

	// Network defaults
	if cfg.Network.UDPPort == 0 {
		cfg.Network.UDPPort = 706
	}
	if cfg.Network.TCPPort == 0 {
		cfg.Network.TCPPort = 708
	}
	if cfg.Network.DiscoveryTimeout == "" {
		cfg.Network.DiscoveryTimeout = "5s"
	}
	if cfg.Network.TCPChunkSize == 0 {
		cfg.Network.TCPChunkSize = 8192
	}
	if cfg.Network.TCPConnectionTimeout == "" {
		cfg.Network.TCPConnectionTimeout = "10s"
	}
	if cfg.Network.PendingWindow == "" {
		cfg.Network.PendingWindow = "30s"
	}
	if cfg.Network.ShutdownGrace == "" {
		cfg.Network.ShutdownGrace = "5s"
	}

	// Scanner defaults. An explicit max_files_retention = 0 deletes every
	// commit immediately; a negative value disables retention.
	if cfg.Scanner.DefaultSrcName == "" {
		cfg.Scanner.DefaultSrcName = "scanbridge"
	}
	if cfg.Scanner.FilesDirectory == "" {
		cfg.Scanner.FilesDirectory = "files"
	}
	if cfg.Scanner.MaxFilesRetention == 0 && !retentionSet {
		cfg.Scanner.MaxFilesRetention = 100
	}
	if cfg.Scanner.MaxRetryAttempts == 0 {
		cfg.Scanner.MaxRetryAttempts = 3
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
