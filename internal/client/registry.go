package client

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/s0up4200/btclient-go/internal/request"
)

// Option customizes client construction
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	metrics     *request.Metrics
	requestOpts []request.ClientOption
}

// WithLogger sets the parent logger; the client adds its name and type
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records the client's requests
func WithMetrics(m *request.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRequestOptions passes extra options to the client's HTTP transport
func WithRequestOptions(opts ...request.ClientOption) Option {
	return func(o *options) {
		o.requestOpts = append(o.requestOpts, opts...)
	}
}

type constructor func(cfg Config, o options) (TorrentClient, error)

type registration struct {
	descriptor Descriptor
	new        constructor
}

var registry = map[Type]registration{
	TypeTransmission: {
		descriptor: Descriptor{
			Defaults: Config{
				Type:    TypeTransmission,
				Name:    "Transmission",
				UUID:    "1cc694ef-7f64-4882-b33a-b578a76fd35c",
				Address: "http://localhost:9091/",
				Timeout: defaultTimeout,
			},
			Capabilities: Capabilities{CustomPath: true, RemoveData: true, NativeStartPaused: true},
			Description:  "Transmission is a lightweight cross-platform BitTorrent client.",
			Warnings: []string{
				"requests go to http://host:port/transmission/rpc unless the address already contains the rpc path; check rpc-url in settings.json if the connection fails",
				"labels require Transmission 3.0 or later",
				"torrents waiting for a check (status 1) are reported as checking, not unknown",
			},
		},
		new: newTransmission,
	},
	TypeQBittorrent: {
		descriptor: Descriptor{
			Defaults: Config{
				Type:    TypeQBittorrent,
				Name:    "qBittorrent",
				UUID:    "4c0f3c06-0b41-4828-9770-e8ef56da6a5c",
				Address: "http://localhost:8080/",
				Timeout: defaultTimeout,
			},
			Capabilities: Capabilities{CustomPath: true, RemoveData: true, NativeStartPaused: true},
			Description:  "qBittorrent is a cross-platform BitTorrent client with a Qt interface and a Web API.",
			Warnings: []string{
				"only qBittorrent v4.1 and later are supported",
				"the session cookie is obtained once; an expired session is not detected",
			},
		},
		new: newQBittorrent,
	},
	TypeSynology: {
		descriptor: Descriptor{
			Defaults: Config{
				Type:    TypeSynology,
				Name:    "Synology Download Station",
				UUID:    "37b3c655-fe0a-4078-b38b-d742f0c049bf",
				Address: "http://localhost:5000/",
				Timeout: defaultTimeout,
			},
			Capabilities: Capabilities{CustomPath: true, RemoveData: false, NativeStartPaused: false},
			Description:  "Download Station is the web based download application of Synology NAS devices.",
			Warnings: []string{
				"do not enable 2-step verification on the account used (DSM 4.2+)",
				"save paths are relative to the shared folder, e.g. music for /volume1/music",
				"the remove-data flag is ignored, DSM only offers a combined delete",
			},
		},
		new: newSynology,
	},
}

// Types returns the supported backend types
func Types() []Type {
	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Describe returns the descriptor of a backend type
func Describe(t Type) (Descriptor, bool) {
	reg, ok := registry[t]
	if !ok {
		return Descriptor{}, false
	}
	d := reg.descriptor
	d.Warnings = slices.Clone(d.Warnings)
	return d, true
}

// New creates the client for cfg.Type. Fields left empty in cfg are taken
// from the backend defaults.
func New(cfg Config, opts ...Option) (TorrentClient, error) {
	reg, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}

	merged := merge(reg.descriptor.Defaults, cfg)
	if err := validateConfig(merged); err != nil {
		return nil, newError(ErrValidation, merged.Type, "new", err)
	}

	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().
		Str("client", merged.Name).
		Str("type", string(merged.Type)).
		Logger()

	return reg.new(merged, o)
}

func newHTTPClient(cfg Config, o options, extra ...request.ClientOption) *request.Client {
	opts := []request.ClientOption{
		request.WithTimeout(cfg.Timeout),
		request.WithLogger(o.logger),
		request.WithRateLimiter(request.ParseRateLimit(cfg.RateLimit)),
		request.WithProxy(cfg.Proxy),
	}
	if o.metrics != nil {
		opts = append(opts, request.WithMetrics(cfg.Name, o.metrics))
	}
	opts = append(opts, extra...)
	opts = append(opts, o.requestOpts...)
	return request.New(opts...)
}
