package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/s0up4200/btclient-go/internal/request"
	"github.com/zeebo/bencode"
)

const fallbackTorrentFilename = "file.torrent"

// torrentFile is a .torrent fetched on this side for upload
type torrentFile struct {
	Data     []byte
	Name     string
	Size     int64
	InfoHash string
}

// Filename is the upload name derived from the torrent name
func (t *torrentFile) Filename() string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(t.Name))
	if name == "" {
		return fallbackTorrentFilename
	}
	return name + ".torrent"
}

func isMagnet(source string) bool {
	return strings.HasPrefix(strings.ToLower(source), "magnet:")
}

// validateSource checks the add source and returns the magnet info hash when
// source is a magnet URI
func validateSource(backend Type, source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", validationError(backend, "add", "empty source")
	}
	if !isMagnet(source) {
		return "", nil
	}
	m, err := metainfo.ParseMagnetUri(source)
	if err != nil {
		return "", newError(ErrValidation, backend, "add", fmt.Errorf("invalid magnet uri: %w", err))
	}
	return m.InfoHash.HexString(), nil
}

// fetchTorrentFile downloads link and checks that it is a torrent
func fetchTorrentFile(ctx context.Context, rc *request.Client, link string) (*torrentFile, error) {
	data, err := rc.Get(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent file: %w", err)
	}
	return parseTorrentFile(data)
}

func parseTorrentFile(data []byte) (*torrentFile, error) {
	if len(data) == 0 {
		return nil, errors.New("empty torrent file")
	}

	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load torrent metainfo: %w", err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, errors.New("torrent has no info dictionary")
	}

	var t struct {
		Info struct {
			Name   string `bencode:"name"`
			Length int64  `bencode:"length"`
			Files  []struct {
				Length int64 `bencode:"length"`
			} `bencode:"files"`
		} `bencode:"info"`
	}
	if err := bencode.DecodeBytes(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode torrent info: %w", err)
	}

	size := t.Info.Length
	if size == 0 {
		for _, f := range t.Info.Files {
			size += f.Length
		}
	}

	return &torrentFile{
		Data:     data,
		Name:     t.Info.Name,
		Size:     size,
		InfoHash: mi.HashInfoBytes().HexString(),
	}, nil
}
