package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// MachineConfigPath is the machine-scoped configuration file. It is merged
// below the user/environment config file when present.
var MachineConfigPath = "/etc/quill/bridge.toml"

// Config is the merged, validated bridge configuration. It is immutable after
// Resolve; the runtime-adjustable knobs (default query TTL, client broadcast)
// are copied into the components that own them.
type Config struct {
	Bridge BridgeConfig `toml:"bridge" validate:"required"`
	HTTP   HTTPConfig   `toml:"http"`
}

type BridgeConfig struct {
	Host                    string            `toml:"host" validate:"required"`
	Port                    int               `toml:"port" validate:"min=1,max=65535"`
	RequireAuth             bool              `toml:"require_auth"`
	AllowedOrigins          []string          `toml:"allowed_origins"`
	DefaultQueryTTLSeconds  int               `toml:"default_query_ttl_seconds" validate:"min=1"`
	MailboxCapacity         int               `toml:"mailbox_capacity" validate:"min=1"`
	ShutdownDeadlineSeconds int               `toml:"shutdown_deadline_seconds" validate:"min=1"`
	HeartbeatSeconds        int               `toml:"heartbeat_seconds" validate:"min=0"`
	AllowClientBroadcast    bool              `toml:"allow_client_broadcast"`
	SchemaDir               string            `toml:"schema_dir"`
	Tokens                  map[string]string `toml:"tokens"`
	CommandTTLOverrides     map[string]int    `toml:"command_ttl_overrides"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port" validate:"omitempty,min=1,max=65535"`
	Root    string `toml:"root" validate:"required_if=Enabled true"`
	CORS    string `toml:"cors" validate:"omitempty,oneof=open off"`
}

// Overrides carries runtime values supplied at construction (typically CLI
// flags). Non-zero fields win over every other source.
type Overrides struct {
	BridgeHost string
	BridgePort int
	HTTPHost   string
	HTTPPort   int
	HTTPRoot   string
}

func (b BridgeConfig) DefaultQueryTTL() time.Duration {
	return time.Duration(b.DefaultQueryTTLSeconds) * time.Second
}

func (b BridgeConfig) ShutdownDeadline() time.Duration {
	return time.Duration(b.ShutdownDeadlineSeconds) * time.Second
}

func (b BridgeConfig) Heartbeat() time.Duration {
	return time.Duration(b.HeartbeatSeconds) * time.Second
}

// CommandTTL returns the TTL override for a command key. Commands without an
// override return 0 so the cache applies its live default, which can change
// at runtime via set_query_cache_ttl or a config reload.
func (b BridgeConfig) CommandTTL(command string) time.Duration {
	if secs, ok := b.CommandTTLOverrides[command]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Default returns the built-in defaults, the lowest-precedence layer.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Host:                    "localhost",
			Port:                    8474,
			DefaultQueryTTLSeconds:  60,
			MailboxCapacity:         64,
			ShutdownDeadlineSeconds: 5,
			HeartbeatSeconds:        30,
		},
		HTTP: HTTPConfig{
			Host: "localhost",
			Port: 8475,
			CORS: "open",
		},
	}
}

// Resolve merges configuration sources, lowest to highest precedence:
// built-in defaults, the machine config file, the user/environment config
// file at path (or the default XDG path when empty), QUILL_* environment
// variables, and finally the supplied Overrides. The result is validated;
// a validation failure is fatal at startup.
func Resolve(path string, ov *Overrides) (*Config, error) {
	cfg := Default()

	if err := mergeFile(cfg, MachineConfigPath); err != nil {
		return nil, err
	}

	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := mergeFile(cfg, path); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if ov != nil {
		if ov.BridgeHost != "" {
			cfg.Bridge.Host = ov.BridgeHost
		}
		if ov.BridgePort != 0 {
			cfg.Bridge.Port = ov.BridgePort
		}
		if ov.HTTPHost != "" {
			cfg.HTTP.Host = ov.HTTPHost
		}
		if ov.HTTPPort != 0 {
			cfg.HTTP.Port = ov.HTTPPort
		}
		if ov.HTTPRoot != "" {
			cfg.HTTP.Root = ov.HTTPRoot
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration. Required-for-mode fields (e.g.
// http.root when http.enabled) fail with a descriptive error.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("invalid configuration: field %s failed %q constraint", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// mergeFile overlays the TOML file at path onto cfg. A missing file is not an
// error; absent keys leave the lower-precedence values untouched.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshaling config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays the QUILL_* environment variable mirrors.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QUILL_BRIDGE_HOST"); v != "" {
		cfg.Bridge.Host = v
	}
	if v := envInt("QUILL_BRIDGE_PORT"); v != 0 {
		cfg.Bridge.Port = v
	}
	if v, ok := envBool("QUILL_BRIDGE_REQUIRE_AUTH"); ok {
		cfg.Bridge.RequireAuth = v
	}
	if v := os.Getenv("QUILL_BRIDGE_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Bridge.AllowedOrigins = origins
	}
	if v := envInt("QUILL_BRIDGE_QUERY_TTL"); v != 0 {
		cfg.Bridge.DefaultQueryTTLSeconds = v
	}
	if v := os.Getenv("QUILL_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := envInt("QUILL_HTTP_PORT"); v != 0 {
		cfg.HTTP.Port = v
	}
	if v := os.Getenv("QUILL_HTTP_ROOT"); v != "" {
		cfg.HTTP.Root = v
	}
	if v, ok := envBool("QUILL_HTTP_ENABLED"); ok {
		cfg.HTTP.Enabled = v
	}
	if v := os.Getenv("QUILL_HTTP_CORS"); v != "" {
		cfg.HTTP.CORS = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// SaveTemplateConfig writes the commented sample configuration to configPath.
func SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(configTemplate), 0644)
}

// ConfigDir returns the configuration directory for quill.
func ConfigDir() (string, error) {
	// Use XDG_CONFIG_HOME if set, otherwise use ~/.config
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	quillConfigDir := filepath.Join(configDir, "quill")

	if err := os.MkdirAll(quillConfigDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", quillConfigDir, err)
	}

	return quillConfigDir, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "bridge.toml"), nil
}
