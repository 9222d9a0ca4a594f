package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/s0up4200/btclient-go/internal/request"
	"github.com/valyala/fastjson"
)

const (
	synoAuthCGI  = "auth.cgi"
	synoEntryCGI = "entry.cgi"

	synoAuthAPI = "SYNO.API.Auth"
	synoTaskAPI = "SYNO.DownloadStation2.Task"

	synoSessionName = "DownloadStation"
)

var synoCommonErrors = map[int]string{
	100: "unknown error",
	101: "invalid parameter",
	102: "the requested API does not exist",
	103: "the requested method does not exist",
	104: "the requested version does not support the functionality",
	105: "the logged in session does not have permission",
	106: "session timeout",
	107: "session interrupted by duplicate login",
	119: "session id not found",
}

var synoAuthErrors = map[int]string{
	400: "no such account or incorrect password",
	401: "account disabled",
	402: "permission denied",
	403: "2-step verification code required",
	404: "failed to authenticate 2-step verification code",
}

var synoTaskErrors = map[int]string{
	400: "file upload failed",
	401: "max number of tasks reached",
	402: "destination denied",
	403: "destination does not exist",
	404: "invalid task id",
	405: "invalid task action",
	406: "no default destination",
	407: "set destination failed",
	408: "file does not exist",
}

// session codes map to ErrAuth. The cached sid is kept anyway, only Ping
// logs in again.
var synoSessionCodes = map[int]bool{105: true, 106: true, 107: true, 119: true}

var synoStatuses = map[string]State{
	"downloading":         StateDownloading,
	"extracting":          StateDownloading,
	"seeding":             StateSeeding,
	"finished":            StateSeeding,
	"finishing":           StateSeeding,
	"paused":              StatePaused,
	"waiting":             StateQueued,
	"filehosting_waiting": StateQueued,
	"hash_checking":       StateChecking,
	"error":               StateError,
}

// numeric statuses of the DownloadStation2 API
var synoStatusCodes = map[int]string{
	1:  "waiting",
	2:  "downloading",
	3:  "paused",
	4:  "finishing",
	5:  "finished",
	6:  "hash_checking",
	8:  "seeding",
	9:  "filehosting_waiting",
	10: "extracting",
}

// Synology talks to Download Station through the DSM web API. The sid from
// an explicit login is cached and sent as _sid.
type Synology struct {
	cfg     Config
	http    *request.Client
	fetcher *request.Client
	session session
	log     zerolog.Logger
}

func newSynology(cfg Config, o options) (TorrentClient, error) {
	return &Synology{
		cfg:     cfg,
		http:    newHTTPClient(cfg, o),
		fetcher: newHTTPClient(cfg, o),
		log:     o.logger,
	}, nil
}

// synoError is a failure reported in the response envelope
type synoError struct {
	Code    int
	Message string
}

func (e *synoError) Error() string {
	return fmt.Sprintf("synology error %d: %s", e.Code, e.Message)
}

func synoErrorFor(cgi string, code int) *synoError {
	msg, ok := synoCommonErrors[code]
	if !ok {
		table := synoTaskErrors
		if cgi == synoAuthCGI {
			table = synoAuthErrors
		}
		if msg, ok = table[code]; !ok {
			msg = "unknown error"
		}
	}
	return &synoError{Code: code, Message: msg}
}

func (c *Synology) Config() Config {
	return c.cfg
}

// SessionState reports the state of the DSM session
func (c *Synology) SessionState() SessionState {
	return c.session.State()
}

func (c *Synology) cgiURL(cgi string) (string, error) {
	return request.JoinURL(c.cfg.Address, "webapi", cgi)
}

// decode parses the envelope and returns its data member
func (c *Synology) decode(op, cgi string, p *fastjson.Parser, body []byte) (*fastjson.Value, error) {
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, newError(ErrProtocol, TypeSynology, op, fmt.Errorf("failed to decode response: %w", err))
	}

	if !v.GetBool("success") {
		if !v.Exists("error", "code") {
			return nil, newError(ErrProtocol, TypeSynology, op, errors.New("response without success or error code"))
		}
		code := v.GetInt("error", "code")
		kind := ErrProtocol
		if cgi == synoAuthCGI || synoSessionCodes[code] {
			kind = ErrAuth
		}
		return nil, newError(kind, TypeSynology, op, synoErrorFor(cgi, code))
	}

	return v.Get("data"), nil
}

// login exchanges the credentials for a sid and caches it
func (c *Synology) login(ctx context.Context) (string, error) {
	c.session.begin()

	authURL, err := c.cgiURL(synoAuthCGI)
	if err != nil {
		c.session.invalidate()
		return "", newError(ErrValidation, TypeSynology, "login", err)
	}

	q := url.Values{}
	q.Set("api", synoAuthAPI)
	q.Set("version", "2")
	q.Set("method", "login")
	q.Set("account", c.cfg.Username)
	q.Set("passwd", c.cfg.Password)
	q.Set("session", synoSessionName)
	q.Set("format", "sid")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL+"?"+q.Encode(), nil)
	if err != nil {
		c.session.invalidate()
		return "", newError(ErrValidation, TypeSynology, "login", err)
	}

	body, err := c.http.MakeRequest(req)
	if err != nil {
		c.session.invalidate()
		return "", newError(classify(err), TypeSynology, "login", err)
	}

	var p fastjson.Parser
	data, err := c.decode("login", synoAuthCGI, &p, body)
	if err != nil {
		c.session.invalidate()
		return "", err
	}

	sid := string(data.GetStringBytes("sid"))
	if sid == "" {
		c.session.invalidate()
		return "", newError(ErrProtocol, TypeSynology, "login", errors.New("login response without sid"))
	}

	c.session.establish(sid)
	c.log.Debug().Msg("logged in")

	return sid, nil
}

func (c *Synology) sid(ctx context.Context) (string, error) {
	if sid := c.session.Credential(); sid != "" {
		return sid, nil
	}
	return c.login(ctx)
}

// entry posts a call to entry.cgi with the cached sid. The body is url
// encoded unless file is set, then it is multipart with file under "torrent".
func (c *Synology) entry(ctx context.Context, op string, params url.Values, file *torrentFile, fn func(data *fastjson.Value) error) error {
	sid, err := c.sid(ctx)
	if err != nil {
		return err
	}

	entryURL, err := c.cgiURL(synoEntryCGI)
	if err != nil {
		return newError(ErrValidation, TypeSynology, op, err)
	}

	fields := url.Values{}
	for k, v := range params {
		fields[k] = v
	}
	fields.Set("_sid", sid)

	var req *http.Request
	if file != nil {
		body, contentType, err := multipartBody(fields, "torrent", file)
		if err != nil {
			return newError(ErrValidation, TypeSynology, op, err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, entryURL, body)
		if err != nil {
			return newError(ErrValidation, TypeSynology, op, err)
		}
		req.Header.Set("Content-Type", contentType)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, entryURL, strings.NewReader(fields.Encode()))
		if err != nil {
			return newError(ErrValidation, TypeSynology, op, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	body, err := c.http.MakeRequest(req)
	if err != nil {
		return newError(classify(err), TypeSynology, op, err)
	}

	var p fastjson.Parser
	data, err := c.decode(op, synoEntryCGI, &p, body)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return fn(data)
}

func taskParams(method string) url.Values {
	q := url.Values{}
	q.Set("api", synoTaskAPI)
	q.Set("version", "2")
	q.Set("method", method)
	return q
}

// synoIDs sends a single id as is and several as a JSON array
func synoIDs(ids []string) string {
	if len(ids) == 1 {
		return ids[0]
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// synoQuote wraps a value in the double quotes the create method insists on
func synoQuote(s string) string {
	return `"` + s + `"`
}

func (c *Synology) Ping(ctx context.Context) bool {
	if _, err := c.login(ctx); err != nil {
		c.log.Error().Err(err).Msg("ping failed")
		return false
	}
	return true
}

// AddTorrent creates a task. Download Station cannot add in paused state,
// so the new task is paused right after when asked to.
func (c *Synology) AddTorrent(ctx context.Context, source string, opts AddOptions) bool {
	if _, err := validateSource(TypeSynology, source); err != nil {
		c.log.Error().Err(err).Msg("failed to add torrent")
		return false
	}

	params := taskParams("create")
	params.Set("create_list", "false")
	params.Set("destination", synoQuote(opts.SavePath))
	// links go out as type "file" too, only the url/file member differs
	params.Set("type", synoQuote("file"))

	var file *torrentFile
	if opts.LocalDownload && !isMagnet(source) {
		tf, err := fetchTorrentFile(ctx, c.fetcher, source)
		if err != nil {
			c.log.Error().Err(err).Str("source", source).Msg("failed to add torrent")
			return false
		}
		file = tf
		params.Set("file", `["torrent"]`)
	} else {
		urls, _ := json.Marshal([]string{source})
		params.Set("url", string(urls))
	}

	var taskIDs []string
	err := c.entry(ctx, "add", params, file, func(data *fastjson.Value) error {
		for _, v := range data.GetArray("task_id") {
			taskIDs = append(taskIDs, string(v.GetStringBytes()))
		}
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("source", source).Msg("failed to add torrent")
		return false
	}

	if opts.AddAtPaused && len(taskIDs) > 0 {
		if ok, _ := c.PauseTorrent(ctx, taskIDs[0]); !ok {
			c.log.Warn().Str("task", taskIDs[0]).Msg("task added but could not be paused")
		}
	}

	return true
}

func (c *Synology) GetAllTorrents(ctx context.Context) ([]Torrent, error) {
	return c.GetTorrentsBy(ctx, FilterRules{})
}

func (c *Synology) GetTorrent(ctx context.Context, id string) (*Torrent, error) {
	if id == "" {
		return nil, validationError(TypeSynology, "get", "empty id")
	}
	torrents, err := c.GetTorrentsBy(ctx, FilterRules{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, notFound(TypeSynology, id)
	}
	return &torrents[0], nil
}

// GetTorrentsBy lists bt tasks. Category and sort are not supported by
// Download Station and are ignored.
func (c *Synology) GetTorrentsBy(ctx context.Context, filter FilterRules) ([]Torrent, error) {
	if err := validateFilter(TypeSynology, "list", filter); err != nil {
		return nil, err
	}

	params := taskParams("list")
	params.Set("additional", `["detail","transfer"]`)
	if len(filter.IDs) > 0 {
		params.Set("method", "get")
		params.Set("id", synoIDs(filter.IDs))
	}

	var torrents []Torrent
	err := c.entry(ctx, "list", params, nil, func(data *fastjson.Value) error {
		if data == nil || !data.Exists("task") {
			return newError(ErrProtocol, TypeSynology, "list", errors.New("response without task list"))
		}
		tasks := data.GetArray("task")
		torrents = make([]Torrent, 0, len(tasks))
		for _, task := range tasks {
			if string(task.GetStringBytes("type")) != "bt" {
				continue
			}
			torrents = append(torrents, synoTask(task))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if filter.Complete {
		torrents = filterCompleted(torrents)
	}

	return paginate(torrents, filter.Offset, filter.Limit), nil
}

func (c *Synology) PauseTorrent(ctx context.Context, ids ...string) (bool, error) {
	return c.action(ctx, "pause", ids, nil)
}

func (c *Synology) ResumeTorrent(ctx context.Context, ids ...string) (bool, error) {
	return c.action(ctx, "resume", ids, nil)
}

// RemoveTorrent deletes the tasks. DSM has no delete-without-data variant,
// removeData has no effect.
func (c *Synology) RemoveTorrent(ctx context.Context, removeData bool, ids ...string) (bool, error) {
	if removeData {
		c.log.Debug().Msg("remove data flag is not supported by download station, ignored")
	}
	extra := url.Values{}
	extra.Set("force_complete", "false")
	return c.action(ctx, "delete", ids, extra)
}

func (c *Synology) action(ctx context.Context, method string, ids []string, extra url.Values) (bool, error) {
	if err := validateIDs(TypeSynology, method, ids); err != nil {
		c.log.Error().Err(err).Msg("rejected request")
		return false, nil
	}

	params := taskParams(method)
	for k, v := range extra {
		params[k] = v
	}
	params.Set("id", synoIDs(ids))

	if err := c.entry(ctx, method, params, nil, nil); err != nil {
		c.log.Error().Err(err).Strs("ids", ids).Msgf("failed to %s task", method)
		return false, nil
	}

	return true, nil
}

func synoStatus(v *fastjson.Value) State {
	if v == nil {
		return StateUnknown
	}

	var status string
	switch v.Type() {
	case fastjson.TypeString:
		status = string(v.GetStringBytes())
	case fastjson.TypeNumber:
		code := v.GetInt()
		if code >= 101 {
			return StateError
		}
		status = synoStatusCodes[code]
	}

	if s, ok := synoStatuses[status]; ok {
		return s
	}
	return StateUnknown
}

func synoTask(task *fastjson.Value) Torrent {
	id := string(task.GetStringBytes("id"))
	size := task.GetInt64("size")

	t := Torrent{
		ID:        id,
		InfoHash:  id,
		Name:      string(task.GetStringBytes("title")),
		State:     synoStatus(task.Get("status")),
		TotalSize: size,
	}

	var nativeCompleted bool
	if detail := task.Get("additional", "detail"); detail != nil {
		nativeCompleted = detail.GetInt64("completed_time") > 0
		if detail.Exists("destination") {
			t.SavePath = ptr(string(detail.GetStringBytes("destination")))
		}
		if detail.Exists("created_time") {
			t.DateAdded = isoTime(detail.GetInt64("created_time"))
		}
	}

	if transfer := task.Get("additional", "transfer"); transfer != nil {
		uploaded := transfer.GetInt64("size_uploaded")
		downloaded := transfer.GetInt64("size_downloaded")
		t.TotalUploaded = ptr(uploaded)
		t.TotalDownloaded = ptr(downloaded)
		t.UploadSpeed = ptr(transfer.GetInt64("speed_upload"))
		t.DownloadSpeed = ptr(transfer.GetInt64("speed_download"))
		t.Ratio = ptr(computeRatio(nil, uploaded, downloaded))
		if size > 0 {
			t.Progress = clampProgress(float64(downloaded) / float64(size))
		}
	}

	t.IsCompleted = completed(nativeCompleted, t.Progress)

	return t
}

// SynologyErrorCode returns the API error code carried by err, or 0
func SynologyErrorCode(err error) int {
	var se *synoError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
