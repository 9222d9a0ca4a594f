package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/s0up4200/btclient-go/internal/request"
)

const transmissionSessionHeader = "X-Transmission-Session-Id"

// uploadRatio sentinels reported by the daemon
const (
	transmissionRatioNA  = -1
	transmissionRatioInf = -2
)

var transmissionFields = []string{
	"addedDate",
	"id",
	"hashString",
	"isFinished",
	"name",
	"percentDone",
	"uploadRatio",
	"downloadDir",
	"status",
	"totalSize",
	"leftUntilDone",
	"labels",
	"rateDownload",
	"rateUpload",
	"uploadedEver",
	"downloadedEver",
}

// Transmission talks to the Transmission RPC endpoint. There is no login:
// the session id is picked up from the first 409 response.
type Transmission struct {
	cfg     Config
	rpcURL  string
	http    *request.Client
	fetcher *request.Client
	session session
	log     zerolog.Logger
}

func newTransmission(cfg Config, o options) (TorrentClient, error) {
	rpcURL, err := transmissionAddress(cfg.Address)
	if err != nil {
		return nil, newError(ErrValidation, TypeTransmission, "new", err)
	}

	return &Transmission{
		cfg:     cfg,
		rpcURL:  rpcURL,
		http:    newHTTPClient(cfg, o, request.WithBasicAuth(cfg.Username, cfg.Password)),
		fetcher: newHTTPClient(cfg, o),
		log:     o.logger,
	}, nil
}

type transmissionRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments"`
}

type transmissionResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type transmissionAddArgs struct {
	Filename    string `json:"filename,omitempty"`
	Metainfo    string `json:"metainfo,omitempty"`
	DownloadDir string `json:"download-dir,omitempty"`
	Paused      bool   `json:"paused"`
}

type transmissionGetArgs struct {
	IDs    []any    `json:"ids,omitempty"`
	Fields []string `json:"fields"`
}

type transmissionIDsArgs struct {
	IDs []any `json:"ids"`
}

type transmissionRemoveArgs struct {
	IDs             []any `json:"ids"`
	DeleteLocalData bool  `json:"delete-local-data"`
}

type transmissionTorrent struct {
	ID             int64    `json:"id"`
	HashString     string   `json:"hashString"`
	Name           string   `json:"name"`
	AddedDate      *int64   `json:"addedDate"`
	IsFinished     bool     `json:"isFinished"`
	PercentDone    float64  `json:"percentDone"`
	UploadRatio    *float64 `json:"uploadRatio"`
	DownloadDir    *string  `json:"downloadDir"`
	Status         int      `json:"status"`
	TotalSize      int64    `json:"totalSize"`
	LeftUntilDone  *int64   `json:"leftUntilDone"`
	Labels         []string `json:"labels"`
	RateDownload   *int64   `json:"rateDownload"`
	RateUpload     *int64   `json:"rateUpload"`
	UploadedEver   *int64   `json:"uploadedEver"`
	DownloadedEver *int64   `json:"downloadedEver"`
}

func (c *Transmission) Config() Config {
	return c.cfg
}

// SessionState reports the state of the RPC session
func (c *Transmission) SessionState() SessionState {
	return c.session.State()
}

func (c *Transmission) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.session.Credential(); token != "" {
		req.Header.Set(transmissionSessionHeader, token)
	}

	return c.http.MakeRequest(req)
}

// call sends one RPC. A 409 refreshes the session id and the same body is
// sent once more; a failing second attempt wraps ErrRetryFailed.
func (c *Transmission) call(ctx context.Context, op, method string, args any) (*transmissionResponse, error) {
	if args == nil {
		args = struct{}{}
	}
	body, err := json.Marshal(transmissionRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, newError(ErrValidation, TypeTransmission, op, fmt.Errorf("failed to encode %s: %w", method, err))
	}

	data, err := c.post(ctx, body)
	if err != nil {
		var httpErr *request.HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusConflict {
			return nil, newError(classify(err), TypeTransmission, op, err)
		}

		c.session.begin()
		token := httpErr.Header.Get(transmissionSessionHeader)
		if token == "" {
			c.session.invalidate()
			return nil, newError(ErrAuth, TypeTransmission, op, errors.New("409 response without session id"))
		}
		c.session.establish(token)

		c.log.Debug().Str("method", method).Msg("session id refreshed, retrying")

		data, err = c.post(ctx, body)
		if err != nil {
			if request.StatusCode(err) == http.StatusConflict {
				c.session.invalidate()
			}
			return nil, newError(classify(err), TypeTransmission, op, fmt.Errorf("%w: %w", ErrRetryFailed, err))
		}
	} else if c.session.State() != SessionAuthenticated {
		c.session.establish(c.session.Credential())
	}

	var resp transmissionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, newError(ErrProtocol, TypeTransmission, op, fmt.Errorf("failed to decode %s response: %w", method, err))
	}
	if resp.Result != "success" {
		return nil, newError(ErrProtocol, TypeTransmission, op, fmt.Errorf("%s: %s", method, resp.Result))
	}

	return &resp, nil
}

func (c *Transmission) Ping(ctx context.Context) bool {
	if _, err := c.call(ctx, "ping", "session-get", nil); err != nil {
		c.log.Error().Err(err).Msg("ping failed")
		return false
	}
	return true
}

func (c *Transmission) AddTorrent(ctx context.Context, source string, opts AddOptions) bool {
	if _, err := validateSource(TypeTransmission, source); err != nil {
		c.log.Error().Err(err).Msg("failed to add torrent")
		return false
	}

	args := transmissionAddArgs{
		DownloadDir: opts.SavePath,
		Paused:      opts.AddAtPaused,
	}
	if opts.LocalDownload && !isMagnet(source) {
		tf, err := fetchTorrentFile(ctx, c.fetcher, source)
		if err != nil {
			c.log.Error().Err(err).Str("source", source).Msg("failed to add torrent")
			return false
		}
		args.Metainfo = base64.StdEncoding.EncodeToString(tf.Data)
	} else {
		args.Filename = source
	}

	resp, err := c.call(ctx, "add", "torrent-add", args)
	if err != nil {
		c.log.Error().Err(err).Str("source", source).Msg("failed to add torrent")
		return false
	}

	if opts.Label != "" {
		c.setLabel(ctx, resp, opts.Label)
	}

	return true
}

// setLabel labels a freshly added torrent. Labels need Transmission 3.0, so
// a failure here does not fail the add.
func (c *Transmission) setLabel(ctx context.Context, resp *transmissionResponse, label string) {
	var added struct {
		Added *struct {
			ID int64 `json:"id"`
		} `json:"torrent-added"`
		Duplicate *struct {
			ID int64 `json:"id"`
		} `json:"torrent-duplicate"`
	}
	if err := json.Unmarshal(resp.Arguments, &added); err != nil {
		c.log.Warn().Err(err).Msg("failed to decode torrent-add response, label not set")
		return
	}

	var id int64
	switch {
	case added.Added != nil:
		id = added.Added.ID
	case added.Duplicate != nil:
		id = added.Duplicate.ID
	default:
		c.log.Warn().Msg("torrent-add returned no torrent, label not set")
		return
	}

	args := map[string]any{
		"ids":    []int64{id},
		"labels": []string{label},
	}
	if _, err := c.call(ctx, "add", "torrent-set", args); err != nil {
		c.log.Warn().Err(err).Str("label", label).Msg("failed to set label")
	}
}

func (c *Transmission) GetAllTorrents(ctx context.Context) ([]Torrent, error) {
	return c.GetTorrentsBy(ctx, FilterRules{})
}

func (c *Transmission) GetTorrent(ctx context.Context, id string) (*Torrent, error) {
	if id == "" {
		return nil, validationError(TypeTransmission, "get", "empty id")
	}
	torrents, err := c.GetTorrentsBy(ctx, FilterRules{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, notFound(TypeTransmission, id)
	}
	return &torrents[0], nil
}

func (c *Transmission) GetTorrentsBy(ctx context.Context, filter FilterRules) ([]Torrent, error) {
	if err := validateFilter(TypeTransmission, "list", filter); err != nil {
		return nil, err
	}

	args := transmissionGetArgs{Fields: transmissionFields}
	if len(filter.IDs) > 0 {
		args.IDs = transmissionIDs(filter.IDs)
	}

	resp, err := c.call(ctx, "list", "torrent-get", args)
	if err != nil {
		return nil, err
	}

	var data struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(resp.Arguments, &data); err != nil {
		return nil, newError(ErrProtocol, TypeTransmission, "list", fmt.Errorf("failed to decode torrents: %w", err))
	}

	torrents := make([]Torrent, 0, len(data.Torrents))
	for _, raw := range data.Torrents {
		t := raw.normalize()
		if filter.Category != "" && (t.Label == nil || *t.Label != filter.Category) {
			continue
		}
		torrents = append(torrents, t)
	}

	if filter.Complete {
		torrents = filterCompleted(torrents)
	}

	return paginate(torrents, filter.Offset, filter.Limit), nil
}

func (c *Transmission) PauseTorrent(ctx context.Context, ids ...string) (bool, error) {
	return c.action(ctx, "pause", "torrent-stop", ids, func(ids []any) any {
		return transmissionIDsArgs{IDs: ids}
	})
}

func (c *Transmission) ResumeTorrent(ctx context.Context, ids ...string) (bool, error) {
	return c.action(ctx, "resume", "torrent-start", ids, func(ids []any) any {
		return transmissionIDsArgs{IDs: ids}
	})
}

func (c *Transmission) RemoveTorrent(ctx context.Context, removeData bool, ids ...string) (bool, error) {
	return c.action(ctx, "remove", "torrent-remove", ids, func(ids []any) any {
		return transmissionRemoveArgs{IDs: ids, DeleteLocalData: removeData}
	})
}

func (c *Transmission) action(ctx context.Context, op, method string, ids []string, args func([]any) any) (bool, error) {
	if err := validateIDs(TypeTransmission, op, ids); err != nil {
		c.log.Error().Err(err).Msg("rejected request")
		return false, nil
	}

	if _, err := c.call(ctx, op, method, args(transmissionIDs(ids))); err != nil {
		if errors.Is(err, ErrRetryFailed) {
			return false, err
		}
		c.log.Error().Err(err).Strs("ids", ids).Msgf("failed to %s torrent", op)
		return false, nil
	}

	return true, nil
}

// transmissionIDs sends numeric ids as numbers and anything else as a hash
func transmissionIDs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
		} else {
			out = append(out, id)
		}
	}
	return out
}

func transmissionState(status int) State {
	switch status {
	case 0:
		return StatePaused
	case 1, 2:
		return StateChecking
	case 3, 5:
		return StateQueued
	case 4:
		return StateDownloading
	case 6:
		return StateSeeding
	default:
		return StateUnknown
	}
}

func (raw transmissionTorrent) normalize() Torrent {
	progress := clampProgress(raw.PercentDone)

	var native *float64
	if raw.UploadRatio != nil {
		switch *raw.UploadRatio {
		case transmissionRatioNA:
		case transmissionRatioInf:
			native = ptr(math.Inf(1))
		default:
			native = raw.UploadRatio
		}
	}

	t := Torrent{
		ID:              strconv.FormatInt(raw.ID, 10),
		InfoHash:        raw.HashString,
		Name:            raw.Name,
		Progress:        progress,
		IsCompleted:     completed(raw.LeftUntilDone != nil && *raw.LeftUntilDone < 1, progress),
		SavePath:        raw.DownloadDir,
		State:           transmissionState(raw.Status),
		TotalSize:       raw.TotalSize,
		UploadSpeed:     raw.RateUpload,
		DownloadSpeed:   raw.RateDownload,
		TotalUploaded:   raw.UploadedEver,
		TotalDownloaded: raw.DownloadedEver,
	}

	if native != nil || (raw.UploadedEver != nil && raw.DownloadedEver != nil) {
		var up, down int64
		if raw.UploadedEver != nil && raw.DownloadedEver != nil {
			up, down = *raw.UploadedEver, *raw.DownloadedEver
		}
		t.Ratio = ptr(computeRatio(native, up, down))
	}
	if len(raw.Labels) > 0 {
		t.Label = ptr(raw.Labels[0])
	}
	if raw.AddedDate != nil {
		t.DateAdded = isoTime(*raw.AddedDate)
	}

	return t
}
