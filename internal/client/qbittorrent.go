package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	qbittorrent "github.com/autobrr/go-qbittorrent"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/s0up4200/btclient-go/internal/request"
)

const (
	qbitAPIPath     = "/api/v2"
	qbitOK          = "Ok."
	qbitCookieName  = "SID"
	qbitAllHashes   = "all"
	qbitHashJoinSep = "|"
)

// states reported by newer daemons that go-qbittorrent does not name
const (
	qbitStateStoppedUp         qbittorrent.TorrentState = "stoppedUP"
	qbitStateStoppedDl         qbittorrent.TorrentState = "stoppedDL"
	qbitStateQueuedForChecking qbittorrent.TorrentState = "queuedForChecking"
	qbitStateForcedMetaDl      qbittorrent.TorrentState = "forcedMetaDL"
)

var qbitStates = map[qbittorrent.TorrentState]State{
	qbittorrent.TorrentStateDownloading: StateDownloading,
	qbittorrent.TorrentStateStalledDl:   StateDownloading,
	qbittorrent.TorrentStateForcedDl:    StateDownloading,
	qbittorrent.TorrentStateMetaDl:      StateDownloading,
	qbitStateForcedMetaDl:               StateDownloading,

	qbittorrent.TorrentStateUploading: StateSeeding,
	qbittorrent.TorrentStateStalledUp: StateSeeding,
	qbittorrent.TorrentStateForcedUp:  StateSeeding,

	qbittorrent.TorrentStatePausedDl: StatePaused,
	qbittorrent.TorrentStatePausedUp: StatePaused,
	qbitStateStoppedDl:               StatePaused,
	qbitStateStoppedUp:               StatePaused,

	qbittorrent.TorrentStateQueuedDl:   StateQueued,
	qbittorrent.TorrentStateQueuedUp:   StateQueued,
	qbittorrent.TorrentStateAllocating: StateQueued,

	qbittorrent.TorrentStateCheckingDl:         StateChecking,
	qbittorrent.TorrentStateCheckingUp:         StateChecking,
	qbitStateQueuedForChecking:                 StateChecking,
	qbittorrent.TorrentStateCheckingResumeData: StateChecking,
	qbittorrent.TorrentStateMoving:             StateChecking,

	qbittorrent.TorrentStateError:        StateError,
	qbittorrent.TorrentStateMissingFiles: StateError,
	qbittorrent.TorrentStateUnknown:      StateError,
}

// QBittorrent talks to the qBittorrent Web API (v4.1+). The cookie session is
// obtained once, lazily, and never refreshed.
type QBittorrent struct {
	cfg     Config
	http    *request.Client
	fetcher *request.Client
	session session
	log     zerolog.Logger

	// set once a login request got an answer, whatever the answer was
	loginAttempted atomic.Bool
}

func newQBittorrent(cfg Config, o options) (TorrentClient, error) {
	return &QBittorrent{
		cfg: cfg,
		http: newHTTPClient(cfg, o,
			request.WithCookieJar(),
			request.WithHeaders(map[string]string{"Referer": cfg.Address}),
		),
		fetcher: newHTTPClient(cfg, o),
		log:     o.logger,
	}, nil
}

type qbitTorrent struct {
	Hash       string                   `json:"hash"`
	Name       string                   `json:"name"`
	AddedOn    *int64                   `json:"added_on"`
	Progress   float64                  `json:"progress"`
	Ratio      *float64                 `json:"ratio"`
	SavePath   *string                  `json:"save_path"`
	Category   *string                  `json:"category"`
	State      qbittorrent.TorrentState `json:"state"`
	Size       int64                    `json:"size"`
	TotalSize  int64                    `json:"total_size"`
	UpSpeed    *int64                   `json:"upspeed"`
	DlSpeed    *int64                   `json:"dlspeed"`
	Uploaded   *int64                   `json:"uploaded"`
	Downloaded *int64                   `json:"downloaded"`
}

func (c *QBittorrent) Config() Config {
	return c.cfg
}

// SessionState reports the state of the cookie session
func (c *QBittorrent) SessionState() SessionState {
	return c.session.State()
}

func (c *QBittorrent) apiURL(path string) (string, error) {
	return request.JoinURL(c.cfg.Address, qbitAPIPath, path)
}

func (c *QBittorrent) login(ctx context.Context) (bool, error) {
	c.session.begin()

	loginURL, err := c.apiURL("/auth/login")
	if err != nil {
		c.session.invalidate()
		return false, newError(ErrValidation, TypeQBittorrent, "login", err)
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.session.invalidate()
		return false, newError(ErrValidation, TypeQBittorrent, "login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := c.http.MakeRequest(req)
	if err != nil {
		c.session.invalidate()
		if request.StatusCode(err) != 0 {
			c.loginAttempted.Store(true)
		}
		return false, newError(classify(err), TypeQBittorrent, "login", err)
	}
	c.loginAttempted.Store(true)

	if answer := strings.TrimSpace(string(data)); answer != qbitOK {
		c.session.invalidate()
		return false, newError(ErrAuth, TypeQBittorrent, "login", fmt.Errorf("login rejected: %q", answer))
	}

	c.session.establish(c.sessionCookie(loginURL))
	c.log.Debug().Msg("logged in")

	return true, nil
}

func (c *QBittorrent) sessionCookie(rawURL string) string {
	jar := c.http.Jar()
	u, err := url.Parse(rawURL)
	if jar == nil || err != nil {
		return ""
	}
	for _, cookie := range jar.Cookies(u) {
		if cookie.Name == qbitCookieName {
			return cookie.Value
		}
	}
	return ""
}

// ensureLogin logs in on first use. A rejected login is not retried; the
// following request fails on its own.
func (c *QBittorrent) ensureLogin(ctx context.Context) {
	if c.loginAttempted.Load() {
		return
	}
	if _, err := c.login(ctx); err != nil {
		c.log.Warn().Err(err).Msg("login failed")
	}
}

func (c *QBittorrent) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	c.ensureLogin(ctx)

	endpoint, err := c.apiURL(path)
	if err != nil {
		return nil, newError(ErrValidation, TypeQBittorrent, op, err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newError(ErrValidation, TypeQBittorrent, op, err)
	}

	data, err := c.http.MakeRequest(req)
	if err != nil {
		return nil, newError(classify(err), TypeQBittorrent, op, err)
	}
	return data, nil
}

// post sends fields (and an optional .torrent) as a multipart form
func (c *QBittorrent) post(ctx context.Context, op, path string, fields url.Values, file *torrentFile) ([]byte, error) {
	c.ensureLogin(ctx)

	endpoint, err := c.apiURL(path)
	if err != nil {
		return nil, newError(ErrValidation, TypeQBittorrent, op, err)
	}

	body, contentType, err := multipartBody(fields, "torrents", file)
	if err != nil {
		return nil, newError(ErrValidation, TypeQBittorrent, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, newError(ErrValidation, TypeQBittorrent, op, err)
	}
	req.Header.Set("Content-Type", contentType)

	data, err := c.http.MakeRequest(req)
	if err != nil {
		return nil, newError(classify(err), TypeQBittorrent, op, err)
	}
	return data, nil
}

func (c *QBittorrent) Ping(ctx context.Context) bool {
	ok, err := c.login(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("ping failed")
	}
	return ok
}

func (c *QBittorrent) AddTorrent(ctx context.Context, source string, opts AddOptions) bool {
	if _, err := validateSource(TypeQBittorrent, source); err != nil {
		c.log.Error().Err(err).Msg("failed to add torrent")
		return false
	}

	fields := url.Values{}
	var file *torrentFile
	if opts.LocalDownload && !isMagnet(source) {
		tf, err := fetchTorrentFile(ctx, c.fetcher, source)
		if err != nil {
			c.log.Error().Err(err).Str("source", source).Msg("failed to add torrent")
			return false
		}
		file = tf
	} else {
		fields.Set("urls", source)
	}

	if opts.SavePath != "" {
		fields.Set("savepath", opts.SavePath)
	}
	if opts.Label != "" {
		fields.Set("category", opts.Label)
	}
	paused := strconv.FormatBool(opts.AddAtPaused)
	fields.Set("paused", paused)
	// qBittorrent 5 renamed paused to stopped
	fields.Set("stopped", paused)
	fields.Set("useAutoTMM", "false")

	data, err := c.post(ctx, "add", "/torrents/add", fields, file)
	if err != nil {
		c.log.Error().Err(err).Str("source", source).Msg("failed to add torrent")
		return false
	}
	if answer := strings.TrimSpace(string(data)); answer != qbitOK {
		c.log.Error().Str("source", source).Str("answer", answer).Msg("torrent rejected")
		return false
	}

	return true
}

func (c *QBittorrent) GetAllTorrents(ctx context.Context) ([]Torrent, error) {
	return c.GetTorrentsBy(ctx, FilterRules{})
}

func (c *QBittorrent) GetTorrent(ctx context.Context, id string) (*Torrent, error) {
	if id == "" {
		return nil, validationError(TypeQBittorrent, "get", "empty id")
	}
	torrents, err := c.GetTorrentsBy(ctx, FilterRules{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, notFound(TypeQBittorrent, id)
	}
	return &torrents[0], nil
}

func (c *QBittorrent) GetTorrentsBy(ctx context.Context, filter FilterRules) ([]Torrent, error) {
	if err := validateFilter(TypeQBittorrent, "list", filter); err != nil {
		return nil, err
	}

	data, err := c.get(ctx, "list", "/torrents/info", torrentsInfoQuery(filter))
	if err != nil {
		return nil, err
	}

	var raw []qbitTorrent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newError(ErrProtocol, TypeQBittorrent, "list", fmt.Errorf("failed to decode torrents: %w", err))
	}

	torrents := make([]Torrent, 0, len(raw))
	for _, r := range raw {
		torrents = append(torrents, r.normalize())
	}
	return torrents, nil
}

// torrentsInfoQuery maps the filter onto the /torrents/info parameters
func torrentsInfoQuery(filter FilterRules) url.Values {
	q := url.Values{}
	if filter.Complete {
		q.Set("filter", string(qbittorrent.TorrentFilterCompleted))
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.Sort != "" {
		q.Set("sort", filter.Sort)
	}
	if filter.Reverse {
		q.Set("reverse", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if len(filter.IDs) > 0 {
		q.Set("hashes", strings.Join(filter.IDs, qbitHashJoinSep))
	}
	return q
}

func (c *QBittorrent) PauseTorrent(ctx context.Context, ids ...string) (bool, error) {
	return c.action(ctx, "pause", "/torrents/pause", "/torrents/stop", ids, nil)
}

func (c *QBittorrent) ResumeTorrent(ctx context.Context, ids ...string) (bool, error) {
	return c.action(ctx, "resume", "/torrents/resume", "/torrents/start", ids, nil)
}

func (c *QBittorrent) RemoveTorrent(ctx context.Context, removeData bool, ids ...string) (bool, error) {
	extra := url.Values{}
	extra.Set("deleteFiles", strconv.FormatBool(removeData))
	return c.action(ctx, "remove", "/torrents/delete", "", ids, extra)
}

// action posts the hashes to path. When the daemon does not know path
// (404, qBittorrent 5) the renamed endpoint is used instead.
func (c *QBittorrent) action(ctx context.Context, op, path, renamed string, ids []string, extra url.Values) (bool, error) {
	if err := validateIDs(TypeQBittorrent, op, ids); err != nil {
		c.log.Error().Err(err).Msg("rejected request")
		return false, nil
	}

	fields := url.Values{}
	for k, v := range extra {
		fields[k] = v
	}
	fields.Set("hashes", qbitHashes(ids))

	_, err := c.post(ctx, op, path, fields, nil)
	// qBittorrent 5 renamed pause/resume to stop/start. A 404 picks the
	// endpoint the daemon serves, the request itself is not retried.
	if err != nil && renamed != "" && request.StatusCode(err) == http.StatusNotFound {
		_, err = c.post(ctx, op, renamed, fields, nil)
	}
	if err != nil {
		c.log.Error().Err(err).Strs("ids", ids).Msgf("failed to %s torrent", op)
		return false, nil
	}

	return true, nil
}

func qbitHashes(ids []string) string {
	if slices.Contains(ids, qbitAllHashes) {
		return qbitAllHashes
	}
	return strings.Join(ids, qbitHashJoinSep)
}

func qbitState(state qbittorrent.TorrentState) State {
	if s, ok := qbitStates[state]; ok {
		return s
	}
	return StateUnknown
}

func (raw qbitTorrent) normalize() Torrent {
	progress := clampProgress(raw.Progress)

	size := raw.TotalSize
	if size == 0 {
		size = raw.Size
	}

	t := Torrent{
		ID:              raw.Hash,
		InfoHash:        raw.Hash,
		Name:            raw.Name,
		Progress:        progress,
		IsCompleted:     completed(raw.Progress == 1, progress),
		SavePath:        raw.SavePath,
		State:           qbitState(raw.State),
		TotalSize:       size,
		UploadSpeed:     raw.UpSpeed,
		DownloadSpeed:   raw.DlSpeed,
		TotalUploaded:   raw.Uploaded,
		TotalDownloaded: raw.Downloaded,
	}

	switch {
	case raw.Ratio != nil:
		t.Ratio = ptr(computeRatio(raw.Ratio, 0, 0))
	case raw.Uploaded != nil && raw.Downloaded != nil:
		t.Ratio = ptr(computeRatio(nil, *raw.Uploaded, *raw.Downloaded))
	}
	if raw.Category != nil && *raw.Category != "" {
		t.Label = raw.Category
	}
	if raw.AddedOn != nil {
		t.DateAdded = isoTime(*raw.AddedOn)
	}

	return t
}

// multipartBody encodes fields in key order, plus file under fileField when set
func multipartBody(fields url.Values, fileField string, file *torrentFile) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		for _, v := range fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
			}
		}
	}

	if file != nil {
		part, err := w.CreateFormFile(fileField, file.Filename())
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, w.FormDataContentType(), nil
}
