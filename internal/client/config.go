package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/s0up4200/btclient-go/internal/request"
)

// Type identifies a backend implementation
type Type string

const (
	TypeTransmission Type = "transmission"
	TypeQBittorrent  Type = "qbittorrent"
	TypeSynology     Type = "synology"
)

const defaultTimeout = 60 * time.Second

// Config is the configuration of one client instance
type Config struct {
	Type     Type
	Name     string
	UUID     string
	Address  string
	Username string
	Password string
	Timeout  time.Duration

	// RateLimit is "N/second" or "N/minute"; empty means unlimited
	RateLimit string
	// Proxy is an http(s):// or socks5:// URL
	Proxy string
}

// Capabilities describes what a backend supports
type Capabilities struct {
	// CustomPath: a save path can be passed on add
	CustomPath bool
	// RemoveData: RemoveTorrent honors the removeData flag
	RemoveData bool
	// NativeStartPaused: the daemon can add in paused state directly
	NativeStartPaused bool
}

// Descriptor is the static description of a backend
type Descriptor struct {
	Defaults     Config
	Capabilities Capabilities
	Description  string
	Warnings     []string
}

// merge shallow-merges the non-zero fields of override over defaults
func merge(defaults, override Config) Config {
	cfg := defaults
	if override.Name != "" {
		cfg.Name = override.Name
	}
	if override.UUID != "" {
		cfg.UUID = override.UUID
	}
	if override.Address != "" {
		cfg.Address = override.Address
	}
	if override.Username != "" {
		cfg.Username = override.Username
	}
	if override.Password != "" {
		cfg.Password = override.Password
	}
	if override.Timeout > 0 {
		cfg.Timeout = override.Timeout
	}
	if override.RateLimit != "" {
		cfg.RateLimit = override.RateLimit
	}
	if override.Proxy != "" {
		cfg.Proxy = override.Proxy
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if _, err := uuid.Parse(cfg.UUID); err != nil {
		return fmt.Errorf("invalid uuid %q: %w", cfg.UUID, err)
	}

	u, err := url.Parse(cfg.Address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", cfg.Address, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid address %q: scheme must be http or https", cfg.Address)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid address %q: missing host", cfg.Address)
	}

	if cfg.RateLimit != "" && request.ParseRateLimit(cfg.RateLimit) == nil {
		return fmt.Errorf("invalid rate limit %q", cfg.RateLimit)
	}

	return nil
}

// transmissionAddress resolves the RPC endpoint when the address does not point at it already
func transmissionAddress(address string) (string, error) {
	if strings.Contains(address, "rpc") {
		return address, nil
	}
	return request.JoinURL(address, "/transmission/rpc")
}
