package client

import (
	"math"
	"time"
)

// dateAddedLayout renders timestamps the way JavaScript's toISOString does
const dateAddedLayout = "2006-01-02T15:04:05.000Z"

func ptr[T any](v T) *T {
	return &v
}

// isoTime converts unix seconds to an ISO 8601 UTC string
func isoTime(unix int64) *string {
	return ptr(time.Unix(unix, 0).UTC().Format(dateAddedLayout))
}

// clampProgress keeps progress within [0,1]. NaN becomes 0.
func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// computeRatio returns the native ratio when known, else uploaded/downloaded.
// A zero denominator yields a non-finite value on purpose.
func computeRatio(native *float64, uploaded, downloaded int64) float64 {
	if native != nil {
		return *native
	}
	return float64(uploaded) / float64(downloaded)
}

func completed(native bool, progress float64) bool {
	return native || progress >= 1
}

// filterCompleted drops torrents that are not completed
func filterCompleted(torrents []Torrent) []Torrent {
	out := torrents[:0]
	for _, t := range torrents {
		if t.IsCompleted {
			out = append(out, t)
		}
	}
	return out
}

// paginate applies offset and limit for backends without server-side paging
func paginate(torrents []Torrent, offset, limit int) []Torrent {
	if offset > 0 {
		if offset >= len(torrents) {
			return []Torrent{}
		}
		torrents = torrents[offset:]
	}
	if limit > 0 && limit < len(torrents) {
		torrents = torrents[:limit]
	}
	return torrents
}
