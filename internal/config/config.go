package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/s0up4200/btclient-go/internal/client"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	appDir    = "btclient-go"
	fileName  = "config.yaml"
	envPrefix = "BTCLIENT"
)

var ErrNoConfig = errors.New("no config file found")

type Config struct {
	Log     LogConfig               `mapstructure:"log" yaml:"log"`
	Clients map[string]ClientConfig `mapstructure:"clients" yaml:"clients"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

// ClientConfig is one configured daemon. Empty fields fall back to the
// backend's defaults.
type ClientConfig struct {
	Type      string `mapstructure:"type" yaml:"type"`
	UUID      string `mapstructure:"uuid" yaml:"uuid,omitempty"`
	Address   string `mapstructure:"address" yaml:"address,omitempty"`
	Username  string `mapstructure:"username" yaml:"username,omitempty"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
	Timeout   string `mapstructure:"timeout" yaml:"timeout,omitempty"` // e.g. 30s
	RateLimit string `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	Proxy     string `mapstructure:"proxy" yaml:"proxy,omitempty"`
}

// Find resolves the config path: the explicit path if given, then
// ./config.yaml, then ~/.config/btclient-go/config.yaml.
func Find(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if _, err := os.Stat(fileName); err == nil {
		return fileName, nil
	}

	dir, err := Dir()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	log.Debug().Str("config_dir", dir).Msg("no config file found")
	return "", fmt.Errorf("%w in current directory or %s", ErrNoConfig, dir)
}

// Dir is the per-user config directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", appDir), nil
}

// Load reads the config file at path. BTCLIENT_LOG_LEVEL and
// BTCLIENT_LOG_FILE override the log section.
func Load(path string) (*Config, error) {
	log.Debug().Str("path", path).Msg("loading config file")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks what can be checked without building the clients
func (c *Config) Validate() error {
	for _, name := range c.Names() {
		cc := c.Clients[name]
		if _, ok := client.Describe(client.Type(cc.Type)); !ok {
			return fmt.Errorf("client %s: unknown type %q", name, cc.Type)
		}
		if cc.Timeout != "" {
			if _, err := time.ParseDuration(cc.Timeout); err != nil {
				return fmt.Errorf("client %s: invalid timeout %q: %w", name, cc.Timeout, err)
			}
		}
	}
	return nil
}

// Names returns the configured client names, sorted
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Clients))
	for name := range c.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToClient converts the named entry into a client.Config
func (c *Config) ToClient(name string) (client.Config, error) {
	cc, ok := c.Clients[name]
	if !ok {
		return client.Config{}, fmt.Errorf("client %s is not configured", name)
	}

	var timeout time.Duration
	if cc.Timeout != "" {
		d, err := time.ParseDuration(cc.Timeout)
		if err != nil {
			return client.Config{}, fmt.Errorf("client %s: invalid timeout %q: %w", name, cc.Timeout, err)
		}
		timeout = d
	}

	return client.Config{
		Type:      client.Type(cc.Type),
		Name:      name,
		UUID:      cc.UUID,
		Address:   cc.Address,
		Username:  cc.Username,
		Password:  cc.Password,
		Timeout:   timeout,
		RateLimit: cc.RateLimit,
		Proxy:     cc.Proxy,
	}, nil
}

// Default is the config written by `btclient init`: one entry per backend
// with its default address.
func Default() Config {
	cfg := Config{
		Log:     LogConfig{Level: "info"},
		Clients: make(map[string]ClientConfig),
	}
	for _, t := range client.Types() {
		d, _ := client.Describe(t)
		cfg.Clients[string(t)+"-local"] = ClientConfig{
			Type:    string(t),
			Address: d.Defaults.Address,
		}
	}
	return cfg
}

const header = `# btclient configuration
#
# Each entry under clients is one daemon. Supported types:
# transmission, qbittorrent and synology.
#
# Optional fields per client:
# - uuid: stable identifier, defaults to the backend's fixed uuid
# - timeout: request timeout such as 30s (default 60s)
# - rate_limit: N/second or N/minute
# - proxy: http(s):// or socks5:// URL
#
# The log level and file can also be set with BTCLIENT_LOG_LEVEL and
# BTCLIENT_LOG_FILE.

`

// Write stores cfg at path, refusing to overwrite an existing file
func Write(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// credentials live in here
	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
