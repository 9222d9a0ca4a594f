// Package client provides a uniform control interface over different torrent daemons
package client

import "context"

// TorrentClient defines the interface that all torrent clients must implement
type TorrentClient interface {
	// Config returns the merged configuration the client was built with
	Config() Config

	// Ping establishes or validates a session and reports whether it worked
	Ping(ctx context.Context) bool

	// AddTorrent adds a magnet URI or a link to a .torrent file.
	// Every failure is reported as false.
	AddTorrent(ctx context.Context, source string, opts AddOptions) bool

	// GetAllTorrents returns every torrent visible to the current session
	GetAllTorrents(ctx context.Context) ([]Torrent, error)

	// GetTorrent returns the first torrent matching id
	GetTorrent(ctx context.Context, id string) (*Torrent, error)

	// GetTorrentsBy returns the torrents matching filter
	GetTorrentsBy(ctx context.Context, filter FilterRules) ([]Torrent, error)

	// PauseTorrent, ResumeTorrent and RemoveTorrent report whether the daemon
	// acknowledged the call. The error is only set when a session refresh
	// retry itself failed.
	PauseTorrent(ctx context.Context, ids ...string) (bool, error)
	ResumeTorrent(ctx context.Context, ids ...string) (bool, error)
	RemoveTorrent(ctx context.Context, removeData bool, ids ...string) (bool, error)
}

// State is the canonical torrent state
type State string

const (
	StateUnknown     State = "unknown"
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StatePaused      State = "paused"
	StateQueued      State = "queued"
	StateChecking    State = "checking"
	StateError       State = "error"
)

// Torrent is the backend-agnostic torrent record. ID is only meaningful
// within the client instance that returned it.
// Pointer fields are nil when the daemon did not report them.
type Torrent struct {
	ID              string   `json:"id"`
	InfoHash        string   `json:"infoHash"`
	Name            string   `json:"name"`
	Progress        float64  `json:"progress"`
	IsCompleted     bool     `json:"isCompleted"`
	Ratio           *float64 `json:"ratio,omitempty"`
	SavePath        *string  `json:"savePath,omitempty"`
	Label           *string  `json:"label,omitempty"`
	State           State    `json:"state"`
	TotalSize       int64    `json:"totalSize"`
	UploadSpeed     *int64   `json:"uploadSpeed,omitempty"`
	DownloadSpeed   *int64   `json:"downloadSpeed,omitempty"`
	TotalUploaded   *int64   `json:"totalUploaded,omitempty"`
	TotalDownloaded *int64   `json:"totalDownloaded,omitempty"`
	DateAdded       *string  `json:"dateAdded,omitempty"`
}

// FilterRules selects torrents. An empty filter selects everything.
type FilterRules struct {
	IDs      []string
	Complete bool

	// backend extensions; ignored where unsupported
	Category string
	Sort     string
	Reverse  bool
	Offset   int
	Limit    int
}

// AddOptions are the backend-agnostic add options
type AddOptions struct {
	SavePath    string
	Label       string
	AddAtPaused bool
	// LocalDownload fetches the .torrent file here and uploads its content
	// instead of passing the link to the daemon.
	LocalDownload bool
}
