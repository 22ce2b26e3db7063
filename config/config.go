// Package config loads the declarative toolgate startup configuration.
// The file shape stays compatible with the generic MCP wrapper config
// (server: name/command/args/env/port) and adds bridge tuning sections.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "toolgate.yaml"
	homeConfigName    = "config.yaml"
)

// TransportStdio and TransportEndpoint select how the bridge reaches the
// tool server: as a spawned subprocess or over an HTTP endpoint.
const (
	TransportStdio    = "stdio"
	TransportEndpoint = "endpoint"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerSection declares the wrapped tool server and the listen port.
type ServerSection struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Endpoint  string            `yaml:"endpoint"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
}

// TimeoutsSection bounds bridge operations.
type TimeoutsSection struct {
	Call Duration `yaml:"call"`
}

// RestartSection bounds automatic process restarts.
type RestartSection struct {
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// HealthSection configures background health probing.
type HealthSection struct {
	Schedule string `yaml:"schedule"`
}

// HistorySection configures the call audit store.
type HistorySection struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// File is the full toolgate configuration.
type File struct {
	Server   ServerSection   `yaml:"server"`
	Timeouts TimeoutsSection `yaml:"timeouts"`
	Restart  RestartSection  `yaml:"restart"`
	Health   HealthSection   `yaml:"health"`
	History  HistorySection  `yaml:"history"`
}

// Default returns the built-in configuration, matching the generic
// wrapper defaults.
func Default() File {
	return File{
		Server: ServerSection{
			Name:      "generic-mcp-server",
			Transport: TransportStdio,
			Command:   "python",
			Args:      []string{"server.py"},
			Host:      "0.0.0.0",
			Port:      3050,
		},
		Timeouts: TimeoutsSection{
			Call: Duration(2 * time.Minute),
		},
		Restart: RestartSection{
			BaseBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:  Duration(8 * time.Second),
			MaxAttempts: 5,
		},
		Health: HealthSection{
			Schedule: "@every 30s",
		},
	}
}

// Discover resolves the config file location with first-match semantics:
// explicit path, then ./toolgate.yaml, then ~/.toolgate/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".toolgate", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads a config file, merges it over the defaults, expands ${VAR}
// references, and applies environment overrides. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (File, error) {
	cfg := Default()
	// The transport must stay unset until the file merges, otherwise an
	// endpoint-only config would silently keep the stdio default instead
	// of inferring the endpoint transport.
	cfg.Server.Transport = ""

	if clean := strings.TrimSpace(path); clean != "" {
		// #nosec G304 -- path resolved from explicit local config discovery.
		data, err := os.ReadFile(clean)
		if err != nil {
			return File{}, fmt.Errorf("reading config %q: %w", clean, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return File{}, fmt.Errorf("parsing config %q: %w", clean, err)
		}
	}

	expand(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return File{}, err
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for launchability.
func (f File) Validate() error {
	switch f.Server.Transport {
	case TransportStdio:
		if strings.TrimSpace(f.Server.Command) == "" {
			return errors.New("config: server.command is required for stdio transport")
		}
	case TransportEndpoint:
		if strings.TrimSpace(f.Server.Endpoint) == "" {
			return errors.New("config: server.endpoint is required for endpoint transport")
		}
	default:
		return fmt.Errorf("config: unsupported transport %q", f.Server.Transport)
	}
	if f.Server.Port <= 0 || f.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", f.Server.Port)
	}
	return nil
}

func expand(cfg *File) {
	cfg.Server.Name = os.ExpandEnv(cfg.Server.Name)
	cfg.Server.Command = os.ExpandEnv(cfg.Server.Command)
	cfg.Server.Endpoint = os.ExpandEnv(cfg.Server.Endpoint)
	for i, arg := range cfg.Server.Args {
		cfg.Server.Args[i] = os.ExpandEnv(arg)
	}
	for key, value := range cfg.Server.Env {
		cfg.Server.Env[key] = os.ExpandEnv(value)
	}
	cfg.History.Path = os.ExpandEnv(cfg.History.Path)

	if strings.TrimSpace(cfg.Server.Transport) == "" {
		if strings.TrimSpace(cfg.Server.Endpoint) != "" {
			cfg.Server.Transport = TransportEndpoint
		} else {
			cfg.Server.Transport = TransportStdio
		}
	}
	cfg.Server.Transport = strings.ToLower(strings.TrimSpace(cfg.Server.Transport))
}

// applyEnvOverrides mirrors the original wrapper's environment knobs.
func applyEnvOverrides(cfg *File) error {
	if command := strings.TrimSpace(os.Getenv("MCP_COMMAND")); command != "" {
		cfg.Server.Command = command
		cfg.Server.Transport = TransportStdio
	}
	if rawArgs := strings.TrimSpace(os.Getenv("MCP_ARGS")); rawArgs != "" {
		var args []string
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("config: MCP_ARGS must be a JSON string array: %w", err)
		}
		cfg.Server.Args = args
	}
	if rawPort := strings.TrimSpace(os.Getenv("PORT")); rawPort != "" {
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return fmt.Errorf("config: PORT must be an integer: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}
