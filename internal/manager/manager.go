// Package manager holds the configured clients of one btclient run
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/s0up4200/btclient-go/internal/client"
	"github.com/s0up4200/btclient-go/internal/config"
	"golang.org/x/sync/errgroup"
)

// maxParallel bounds the number of daemons queried at once
const maxParallel = 4

type Manager struct {
	clients map[string]client.TorrentClient
	names   []string
	log     zerolog.Logger
}

// New builds a client for every configured entry
func New(cfg *config.Config, opts ...client.Option) (*Manager, error) {
	logger := log.With().Str("module", "manager").Logger()

	m := &Manager{
		clients: make(map[string]client.TorrentClient, len(cfg.Clients)),
		names:   cfg.Names(),
		log:     logger,
	}

	for _, name := range m.names {
		cc, err := cfg.ToClient(name)
		if err != nil {
			return nil, err
		}

		c, err := client.New(cc, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create client %s: %w", name, err)
		}

		logger.Debug().
			Str("client", name).
			Str("type", string(cc.Type)).
			Msg("configured client")

		m.clients[name] = c
	}

	return m, nil
}

// Names returns the client names, sorted
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

func (m *Manager) Get(name string) (client.TorrentClient, error) {
	c, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("client %s is not configured", name)
	}
	return c, nil
}

// PingAll pings every client concurrently
func (m *Manager) PingAll(ctx context.Context) map[string]bool {
	return m.Ping(ctx, m.names...)
}

// Ping pings the named clients concurrently. Names that are not configured
// are left out of the result.
func (m *Manager) Ping(ctx context.Context, names ...string) map[string]bool {
	var mu sync.Mutex
	results := make(map[string]bool, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, name := range names {
		name := name
		c, ok := m.clients[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			ok := c.Ping(ctx)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ListAll queries every client with the same filter. Clients that fail are
// left out of the result and reported in the joined error.
func (m *Manager) ListAll(ctx context.Context, filter client.FilterRules) (map[string][]client.Torrent, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]client.Torrent, len(m.names))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, name := range m.names {
		name := name
		c := m.clients[name]
		g.Go(func() error {
			torrents, err := c.GetTorrentsBy(ctx, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Error().Err(err).Str("client", name).Msg("failed to list torrents")
				errs = append(errs, fmt.Errorf("client %s: %w", name, err))
				return nil
			}
			results[name] = torrents
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
