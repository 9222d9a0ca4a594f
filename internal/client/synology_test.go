package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"
)

type synoCall struct {
	Params   url.Values
	Filename string
	File     []byte
}

// fakeSynology serves auth.cgi and the DownloadStation2 task API on entry.cgi
type fakeSynology struct {
	mu     sync.Mutex
	logins int
	calls  []synoCall
	sid    string
	tasks  []map[string]any
	files  map[string][]byte

	// expire makes the next entry call answer with expireCode (119 if unset)
	expire     bool
	expireCode int
}

func (f *fakeSynology) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data, ok := f.files[r.URL.Path]; ok {
		_, _ = w.Write(data)
		return
	}

	switch r.URL.Path {
	case "/webapi/auth.cgi":
		f.logins++
		q := r.URL.Query()
		if q.Get("api") != "SYNO.API.Auth" || q.Get("method") != "login" || q.Get("format") != "sid" || q.Get("session") != "DownloadStation" {
			writeSyno(w, false, map[string]any{"code": 101})
			return
		}
		if q.Get("account") != "user" || q.Get("passwd") != "pass" {
			writeSyno(w, false, map[string]any{"code": 400})
			return
		}
		f.sid = fmt.Sprintf("sid-%d", f.logins)
		writeSyno(w, true, map[string]any{"sid": f.sid})
	case "/webapi/entry.cgi":
		f.entry(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSynology) entry(w http.ResponseWriter, r *http.Request) {
	call := synoCall{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		call.Params = url.Values(r.MultipartForm.Value)
		if files := r.MultipartForm.File["torrent"]; len(files) > 0 {
			call.Filename = files[0].Filename
			if fh, err := files[0].Open(); err == nil {
				call.File, _ = io.ReadAll(fh)
				_ = fh.Close()
			}
		}
	} else {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		call.Params = r.PostForm
	}
	f.calls = append(f.calls, call)

	if f.expire {
		f.expire = false
		code := f.expireCode
		if code == 0 {
			code = 119
		}
		writeSyno(w, false, map[string]any{"code": code})
		return
	}
	if call.Params.Get("_sid") != f.sid || f.sid == "" {
		writeSyno(w, false, map[string]any{"code": 119})
		return
	}

	switch call.Params.Get("method") {
	case "list":
		writeSyno(w, true, map[string]any{"offset": 0, "total": len(f.tasks), "task": f.tasks})
	case "get":
		ids := []string{call.Params.Get("id")}
		if strings.HasPrefix(ids[0], "[") {
			_ = json.Unmarshal([]byte(ids[0]), &ids)
		}
		out := []map[string]any{}
		for _, task := range f.tasks {
			for _, id := range ids {
				if task["id"] == id {
					out = append(out, task)
				}
			}
		}
		writeSyno(w, true, map[string]any{"task": out})
	case "create":
		writeSyno(w, true, map[string]any{"list_id": []string{}, "task_id": []string{"dbid_10"}})
	case "pause", "resume", "delete":
		writeSyno(w, true, []map[string]any{{"error": 0, "id": call.Params.Get("id")}})
	default:
		writeSyno(w, false, map[string]any{"code": 103})
	}
}

func writeSyno(w http.ResponseWriter, success bool, payload any) {
	body := map[string]any{"success": success}
	if success {
		body["data"] = payload
	} else {
		body["error"] = payload
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeSynology) Calls() []synoCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]synoCall(nil), f.calls...)
}

func (f *fakeSynology) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func newTestSynology(t *testing.T, fake *fakeSynology, password string) (*Synology, string) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Type:     TypeSynology,
		Address:  srv.URL,
		Username: "user",
		Password: password,
	}, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c.(*Synology), srv.URL
}

func sampleSynologyTasks() []map[string]any {
	return []map[string]any{
		{
			"id": "dbid_1", "type": "bt", "title": "one", "size": 1000, "status": "seeding",
			"additional": map[string]any{
				"detail":   map[string]any{"completed_time": 1700000500, "created_time": 1700000000, "destination": "downloads"},
				"transfer": map[string]any{"size_downloaded": 1000, "size_uploaded": 3000, "speed_download": 0, "speed_upload": 20},
			},
		},
		{
			"id": "dbid_2", "type": "bt", "title": "two", "size": 1000, "status": 2,
			"additional": map[string]any{
				"detail":   map[string]any{"completed_time": 0, "created_time": 1700000100, "destination": "downloads"},
				"transfer": map[string]any{"size_downloaded": 250, "size_uploaded": 0, "speed_download": 40, "speed_upload": 0},
			},
		},
		{
			"id": "dbid_3", "type": "http", "title": "not a torrent", "size": 5, "status": "finished",
		},
	}
}

func TestSynology_LoginOnceAndSidInjected(t *testing.T) {
	fake := &fakeSynology{tasks: sampleSynologyTasks()}
	c, _ := newTestSynology(t, fake, "pass")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.GetAllTorrents(ctx); err != nil {
			t.Fatalf("GetAllTorrents() error = %v", err)
		}
	}
	if got := fake.Logins(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
	for _, call := range fake.Calls() {
		if call.Params.Get("_sid") != "sid-1" {
			t.Errorf("_sid = %q, want sid-1", call.Params.Get("_sid"))
		}
		if call.Params.Get("api") != "SYNO.DownloadStation2.Task" || call.Params.Get("version") != "2" {
			t.Errorf("unexpected dispatch params %v", call.Params)
		}
	}
	if got := c.SessionState(); got != SessionAuthenticated {
		t.Errorf("state = %v, want authenticated", got)
	}
}

func TestSynology_ExpiredSessionIsNotRetried(t *testing.T) {
	fake := &fakeSynology{tasks: sampleSynologyTasks()}
	c, _ := newTestSynology(t, fake, "pass")
	ctx := context.Background()

	if _, err := c.GetAllTorrents(ctx); err != nil {
		t.Fatalf("GetAllTorrents() error = %v", err)
	}

	fake.mu.Lock()
	fake.expire = true
	fake.mu.Unlock()

	_, err := c.GetAllTorrents(ctx)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if got := SynologyErrorCode(err); got != 119 {
		t.Errorf("error code = %d, want 119", got)
	}
	if got := len(fake.Calls()); got != 2 {
		t.Errorf("entry calls = %d, want 2 (no retry)", got)
	}
	if got := c.SessionState(); got != SessionAuthenticated {
		t.Errorf("state = %v, want the cached session kept", got)
	}

	// later calls reuse the cached sid without logging in again
	if ok, err := c.PauseTorrent(ctx, "dbid_1"); !ok || err != nil {
		t.Fatalf("PauseTorrent() = %v, %v", ok, err)
	}
	if ok, err := c.ResumeTorrent(ctx, "dbid_1"); !ok || err != nil {
		t.Fatalf("ResumeTorrent() = %v, %v", ok, err)
	}
	if got := fake.Logins(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
	for _, call := range fake.Calls() {
		if call.Params.Get("_sid") != "sid-1" {
			t.Errorf("_sid = %q, want sid-1", call.Params.Get("_sid"))
		}
	}
}

func TestSynology_PermissionDeniedKeepsSession(t *testing.T) {
	fake := &fakeSynology{tasks: sampleSynologyTasks()}
	c, _ := newTestSynology(t, fake, "pass")
	ctx := context.Background()

	if _, err := c.GetAllTorrents(ctx); err != nil {
		t.Fatalf("GetAllTorrents() error = %v", err)
	}

	fake.mu.Lock()
	fake.expireCode = 105
	fake.expire = true
	fake.mu.Unlock()

	if ok, _ := c.PauseTorrent(ctx, "dbid_9"); ok {
		t.Error("PauseTorrent() = true on a permission error")
	}
	if ok, _ := c.ResumeTorrent(ctx, "dbid_1"); !ok {
		t.Error("ResumeTorrent() = false after a permission error")
	}
	if got := fake.Logins(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}

	// only Ping forces a new login
	if !c.Ping(ctx) {
		t.Fatal("Ping() = false")
	}
	if got := fake.Logins(); got != 2 {
		t.Errorf("logins = %d, want 2 after Ping", got)
	}
	if _, err := c.GetAllTorrents(ctx); err != nil {
		t.Fatalf("GetAllTorrents() error = %v", err)
	}
	calls := fake.Calls()
	if got := calls[len(calls)-1].Params.Get("_sid"); got != "sid-2" {
		t.Errorf("_sid = %q, want sid-2", got)
	}
}

func TestSynology_LoginTraceHidesPassword(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	srv := httptest.NewServer(&fakeSynology{})
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	c, err := New(Config{
		Type:     TypeSynology,
		Address:  srv.URL,
		Username: "user",
		Password: "pass",
	}, WithLogger(zerolog.New(&buf).Level(zerolog.TraceLevel)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !c.Ping(context.Background()) {
		t.Fatal("Ping() = false")
	}
	out := buf.String()
	if !strings.Contains(out, "auth.cgi") {
		t.Fatalf("no trace output: %q", out)
	}
	if strings.Contains(out, "passwd=pass") {
		t.Errorf("trace output leaks the password: %s", out)
	}
}

func TestSynology_BadCredentials(t *testing.T) {
	fake := &fakeSynology{}
	c, _ := newTestSynology(t, fake, "wrong")

	if c.Ping(context.Background()) {
		t.Error("Ping() = true, want false")
	}

	_, err := c.GetAllTorrents(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if got := SynologyErrorCode(err); got != 400 {
		t.Errorf("error code = %d, want 400", got)
	}
	if !strings.Contains(err.Error(), "incorrect password") {
		t.Errorf("error %q does not carry the auth message", err)
	}
	if len(fake.Calls()) != 0 {
		t.Error("entry.cgi called without a session")
	}
}

func TestSynology_AddTorrent(t *testing.T) {
	fake := &fakeSynology{}
	c, _ := newTestSynology(t, fake, "pass")

	ok := c.AddTorrent(context.Background(), testMagnet, AddOptions{
		SavePath:    "/data/x",
		AddAtPaused: true,
	})
	if !ok {
		t.Fatal("AddTorrent() = false, want true")
	}

	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want create then pause", len(calls))
	}

	create := calls[0].Params
	want := map[string]string{
		"method":      "create",
		"type":        `"file"`,
		"destination": `"/data/x"`,
		"create_list": "false",
	}
	for k, v := range want {
		if got := create.Get(k); got != v {
			t.Errorf("create %s = %s, want %s", k, got, v)
		}
	}

	var urls []string
	if err := json.Unmarshal([]byte(create.Get("url")), &urls); err != nil || len(urls) != 1 || urls[0] != testMagnet {
		t.Errorf("create url = %s, want a JSON list holding the magnet", create.Get("url"))
	}
	if create.Has("file") {
		t.Errorf("link create carries file = %s", create.Get("file"))
	}

	pause := calls[1].Params
	if pause.Get("method") != "pause" || pause.Get("id") != "dbid_10" {
		t.Errorf("post-add call = %v, want pause of dbid_10", pause)
	}
}

func TestSynology_AddTorrentLocalDownload(t *testing.T) {
	data := testTorrentFile(t, "release")
	fake := &fakeSynology{files: map[string][]byte{"/dl/release.torrent": data}}
	c, base := newTestSynology(t, fake, "pass")

	if !c.AddTorrent(context.Background(), base+"/dl/release.torrent", AddOptions{LocalDownload: true}) {
		t.Fatal("AddTorrent() = false, want true")
	}

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1 (not paused)", len(calls))
	}
	create := calls[0]
	if create.Params.Get("type") != `"file"` || create.Params.Get("file") != `["torrent"]` {
		t.Errorf("create params = %v", create.Params)
	}
	if create.Params.Get("destination") != `""` {
		t.Errorf("destination = %s, want empty quoted", create.Params.Get("destination"))
	}
	if create.Filename != "release.torrent" || string(create.File) != string(data) {
		t.Errorf("uploaded %q (%d bytes)", create.Filename, len(create.File))
	}
}

func TestSynology_GetTorrentsBy(t *testing.T) {
	fake := &fakeSynology{tasks: sampleSynologyTasks()}
	c, _ := newTestSynology(t, fake, "pass")
	ctx := context.Background()

	all, err := c.GetAllTorrents(ctx)
	if err != nil {
		t.Fatalf("GetAllTorrents() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d torrents, want the 2 bt tasks", len(all))
	}

	for _, want := range all {
		got, err := c.GetTorrentsBy(ctx, FilterRules{IDs: []string{want.ID}})
		if err != nil {
			t.Fatalf("GetTorrentsBy(%s) error = %v", want.ID, err)
		}
		if len(got) != 1 || got[0].ID != want.ID {
			t.Errorf("GetTorrentsBy(%s) = %+v", want.ID, got)
		}
	}
	last := fake.Calls()[len(fake.Calls())-1].Params
	if last.Get("method") != "get" || last.Get("additional") != `["detail","transfer"]` {
		t.Errorf("get params = %v", last)
	}

	both, err := c.GetTorrentsBy(ctx, FilterRules{IDs: []string{"dbid_1", "dbid_2"}})
	if err != nil || len(both) != 2 {
		t.Fatalf("GetTorrentsBy(two ids) = %v, %v", both, err)
	}

	completed, err := c.GetTorrentsBy(ctx, FilterRules{Complete: true})
	if err != nil {
		t.Fatalf("GetTorrentsBy(complete) error = %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "dbid_1" {
		t.Errorf("completed = %+v", completed)
	}

	paged, err := c.GetTorrentsBy(ctx, FilterRules{Offset: 1, Limit: 1})
	if err != nil || len(paged) != 1 || paged[0].ID != "dbid_2" {
		t.Errorf("paged = %+v, %v", paged, err)
	}

	one, err := c.GetTorrent(ctx, "dbid_2")
	if err != nil {
		t.Fatalf("GetTorrent() error = %v", err)
	}
	if one.State != StateDownloading || one.Progress != 0.25 || one.IsCompleted {
		t.Errorf("GetTorrent() = %+v", one)
	}
}

func TestSynology_RemoveIgnoresDataFlag(t *testing.T) {
	for _, removeData := range []bool{false, true} {
		t.Run(fmt.Sprint(removeData), func(t *testing.T) {
			fake := &fakeSynology{}
			c, _ := newTestSynology(t, fake, "pass")

			ok, err := c.RemoveTorrent(context.Background(), removeData, "dbid_1")
			if !ok || err != nil {
				t.Fatalf("RemoveTorrent() = %v, %v; want true, nil", ok, err)
			}
			calls := fake.Calls()
			if len(calls) != 1 {
				t.Fatalf("got %d calls, want 1", len(calls))
			}
			p := calls[0].Params
			if p.Get("method") != "delete" || p.Get("id") != "dbid_1" || p.Get("force_complete") != "false" {
				t.Errorf("delete params = %v", p)
			}
		})
	}
}

func TestSynology_PauseResume(t *testing.T) {
	fake := &fakeSynology{}
	c, _ := newTestSynology(t, fake, "pass")
	ctx := context.Background()

	if ok, err := c.PauseTorrent(ctx, "dbid_1", "dbid_2"); !ok || err != nil {
		t.Fatalf("PauseTorrent() = %v, %v", ok, err)
	}
	if ok, err := c.ResumeTorrent(ctx, "dbid_1"); !ok || err != nil {
		t.Fatalf("ResumeTorrent() = %v, %v", ok, err)
	}

	calls := fake.Calls()
	if got := calls[0].Params.Get("id"); got != `["dbid_1","dbid_2"]` {
		t.Errorf("pause id = %s", got)
	}
	if got := calls[1].Params.Get("method"); got != "resume" {
		t.Errorf("method = %s, want resume", got)
	}
}

func TestSynoStatus(t *testing.T) {
	tests := map[string]State{
		`"downloading"`:         StateDownloading,
		`"extracting"`:          StateDownloading,
		`"seeding"`:             StateSeeding,
		`"finished"`:            StateSeeding,
		`"finishing"`:           StateSeeding,
		`"paused"`:              StatePaused,
		`"waiting"`:             StateQueued,
		`"filehosting_waiting"`: StateQueued,
		`"hash_checking"`:       StateChecking,
		`"error"`:               StateError,
		`"brand_new"`:           StateUnknown,
		`1`:                     StateQueued,
		`2`:                     StateDownloading,
		`3`:                     StatePaused,
		`4`:                     StateSeeding,
		`5`:                     StateSeeding,
		`6`:                     StateChecking,
		`7`:                     StateUnknown,
		`8`:                     StateSeeding,
		`9`:                     StateQueued,
		`10`:                    StateDownloading,
		`101`:                   StateError,
		`130`:                   StateError,
		`0`:                     StateUnknown,
		`null`:                  StateUnknown,
	}
	for raw, want := range tests {
		if got := synoStatus(fastjson.MustParse(raw)); got != want {
			t.Errorf("synoStatus(%s) = %s, want %s", raw, got, want)
		}
	}
	if got := synoStatus(nil); got != StateUnknown {
		t.Errorf("synoStatus(nil) = %s", got)
	}
}

func TestSynoTask(t *testing.T) {
	t.Run("without additional blocks", func(t *testing.T) {
		got := synoTask(fastjson.MustParse(`{"id":"dbid_9","type":"bt","title":"x","size":10,"status":"waiting"}`))
		if got.Ratio != nil || got.SavePath != nil || got.DateAdded != nil || got.TotalDownloaded != nil {
			t.Errorf("absent fields were filled: %+v", got)
		}
		if got.InfoHash != "dbid_9" {
			t.Errorf("InfoHash = %s, want the task id", got.InfoHash)
		}
	})

	t.Run("zero downloaded", func(t *testing.T) {
		got := synoTask(fastjson.MustParse(`{"id":"a","type":"bt","size":0,"status":"waiting",
			"additional":{"transfer":{"size_downloaded":0,"size_uploaded":5}}}`))
		if got.Ratio == nil || !math.IsInf(*got.Ratio, 1) {
			t.Errorf("Ratio = %v, want +Inf", got.Ratio)
		}
		if got.Progress != 0 {
			t.Errorf("Progress = %v, want 0 for an unknown size", got.Progress)
		}
	})

	t.Run("fully downloaded is completed", func(t *testing.T) {
		got := synoTask(fastjson.MustParse(`{"id":"a","type":"bt","size":100,"status":"seeding",
			"additional":{"detail":{"completed_time":0},"transfer":{"size_downloaded":100,"size_uploaded":0}}}`))
		if !got.IsCompleted || got.Progress != 1 {
			t.Errorf("got %+v, want completed at progress 1", got)
		}
	})
}
