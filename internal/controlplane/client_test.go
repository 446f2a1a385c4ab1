package controlplane

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	"relaybot/internal/dispatch"
	"relaybot/internal/job"
	logx "relaybot/pkg/logx"
)

type seenJob struct {
	spec  job.Spec
	files map[string]string // base name -> content
	lines []logx.Line
}

type fakeEngine struct {
	ctl  *dispatch.Controller
	feed *logx.Feed
	jobs chan seenJob
}

func newFakeEngine(feed *logx.Feed) *fakeEngine {
	return &fakeEngine{ctl: dispatch.NewController(), feed: feed, jobs: make(chan seenJob, 4)}
}

func (f *fakeEngine) Controller() *dispatch.Controller { return f.ctl }

func (f *fakeEngine) Run(_ context.Context, spec job.Spec) dispatch.Result {
	seen := seenJob{spec: spec, files: map[string]string{}, lines: f.feed.Lines()}
	for path := range spec.Attachments {
		b, _ := os.ReadFile(path)
		seen.files[filepath.Base(path)] = string(b)
	}
	f.jobs <- seen
	return dispatch.Result{State: dispatch.Completed}
}

type coordinator struct {
	srv       *httptest.Server
	registers chan RegisterFrame
	frames    chan map[string]any
	onConnect func(conn *websocket.Conn)
}

func newCoordinator(t *testing.T) *coordinator {
	t.Helper()
	co := &coordinator{registers: make(chan RegisterFrame, 8), frames: make(chan map[string]any, 64)}
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/files/note.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("from coordinator"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var reg RegisterFrame
		if err := conn.ReadJSON(&reg); err != nil {
			return
		}
		co.registers <- reg
		if co.onConnect != nil {
			co.onConnect(conn)
		}
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			co.frames <- m
		}
	})
	co.srv = httptest.NewServer(mux)
	t.Cleanup(co.srv.Close)
	return co
}

func (co *coordinator) wsURL() string {
	return "ws" + strings.TrimPrefix(co.srv.URL, "http") + "/ws"
}

func startClient(t *testing.T, co *coordinator, cfg Config, engines map[job.Class]Engine, log logx.Logger) *Client {
	t.Helper()
	cfg.URL = co.wsURL()
	if cfg.Name == "" {
		cfg.Name = "desk-1"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(t.TempDir(), "incoming")
	}
	vocab := func(class job.Class) []string {
		if class == job.Group {
			return []string{"All", "north"}
		}
		return []string{"All", "vip"}
	}
	c, err := New(cfg, engines, vocab, nil, nil, log)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitRegister(t *testing.T, co *coordinator) RegisterFrame {
	t.Helper()
	select {
	case r := <-co.registers:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("no register frame")
	}
	return RegisterFrame{}
}

func TestRegisterAndRemoteDispatch(t *testing.T) {
	co := newCoordinator(t)
	co.onConnect = func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"type":          "file-transfer",
			"message":       "weekly update",
			"sendAsContact": false,
			"attachments": []map[string]string{
				{"name": "inline.txt", "caption": "inline", "contentRef": "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))},
				{"name": "note.txt", "caption": "remote", "contentRef": "/files/note.txt"},
			},
			"selectedTags":    []string{"vip"},
			"postingType":     "contact",
			"targetInstances": []string{"desk-0", "desk-1"},
		})
	}
	eng := newFakeEngine(nil)
	startClient(t, co, Config{}, map[job.Class]Engine{job.Contact: eng}, logx.Nop())

	reg := waitRegister(t, co)
	if reg.Type != TypeRegister || reg.Name != "desk-1" {
		t.Fatalf("register %+v", reg)
	}
	if strings.Join(reg.ContactTags, ",") != "All,vip" || strings.Join(reg.GroupTags, ",") != "All,north" {
		t.Fatalf("tags %+v", reg)
	}

	var seen seenJob
	select {
	case seen = <-eng.jobs:
	case <-time.After(5 * time.Second):
		t.Fatalf("remote job never ran")
	}
	if seen.spec.Origin != job.OriginRemote || seen.spec.Payload.Body() != "weekly update" {
		t.Fatalf("spec %+v", seen.spec)
	}
	if strings.Join(seen.spec.Tags, ",") != "vip" {
		t.Fatalf("tags %v", seen.spec.Tags)
	}
	if seen.files["inline.txt"] != "hello" || seen.files["note.txt"] != "from coordinator" {
		t.Fatalf("files %+v", seen.files)
	}
	captions := map[string]bool{}
	for _, c := range seen.spec.Attachments {
		captions[c] = true
	}
	if !captions["inline"] || !captions["remote"] {
		t.Fatalf("captions %+v", seen.spec.Attachments)
	}
}

func TestTransferForOtherInstanceIsIgnored(t *testing.T) {
	co := newCoordinator(t)
	co.onConnect = func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"type": "file-transfer", "message": "first", "postingType": "group",
			"selectedTags": []string{"All"}, "targetInstances": []string{"desk-2"},
		})
		// legacy field names
		_ = conn.WriteJSON(map[string]any{
			"type": "file-transfer", "message": "second", "postingType": "group",
			"selectedTags": []string{"All"}, "selectedDevices": []string{"desk-1"},
		})
	}
	feed := logx.NewFeed(0)
	eng := newFakeEngine(feed)
	startClient(t, co, Config{}, map[job.Class]Engine{job.Group: eng}, logx.Nop().Tee(feed))
	waitRegister(t, co)

	select {
	case seen := <-eng.jobs:
		if seen.spec.Payload.Body() != "second" {
			t.Fatalf("ran %q", seen.spec.Payload.Body())
		}
		for _, l := range seen.lines {
			if !strings.HasPrefix(l.Text, "control plane connected") {
				t.Fatalf("unexpected log line before dispatch: %q", l.Text)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("addressed transfer never ran")
	}
	select {
	case seen := <-eng.jobs:
		t.Fatalf("unexpected extra job %q", seen.spec.Payload.Body())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatReportsPostingStatus(t *testing.T) {
	co := newCoordinator(t)
	eng := newFakeEngine(nil)
	_, release, err := eng.ctl.Begin(context.Background(), dispatch.Dispatching, "r1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	startClient(t, co, Config{Heartbeat: 20 * time.Millisecond}, map[job.Class]Engine{job.Contact: eng}, logx.Nop())
	waitRegister(t, co)

	select {
	case m := <-co.frames:
		if m["type"] != TypeStatus || m["contactPosting"] != true || m["groupPosting"] != false {
			t.Fatalf("status frame %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no heartbeat")
	}
}

func TestReconnectClearsScratch(t *testing.T) {
	co := newCoordinator(t)
	co.onConnect = func(conn *websocket.Conn) { _ = conn.Close() }

	scratch := filepath.Join(t.TempDir(), "incoming")
	if err := os.MkdirAll(filepath.Join(scratch, "old-transfer"), 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(scratch, "old-transfer", "flyer.png")
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	startClient(t, co, Config{ScratchDir: scratch, ReconnectBackoff: 20 * time.Millisecond}, nil, logx.Nop())
	waitRegister(t, co)
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale scratch file survived connect: %v", err)
	}
	// the server drops every session; the client keeps coming back
	waitRegister(t, co)
	waitRegister(t, co)
}

func TestHTTPOrigin(t *testing.T) {
	cases := map[string]string{
		"ws://coord:3000/socket?x=1": "http://coord:3000/",
		"wss://coord.example/ws":     "https://coord.example/",
	}
	for in, want := range cases {
		u, err := httpOrigin(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if u.String() != want {
			t.Fatalf("%s -> %s, want %s", in, u, want)
		}
	}
	if _, err := httpOrigin("ftp://coord"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

type fakeS3 struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	f.keys = append(f.keys, *in.Bucket+"/"+*in.Key)
	f.mu.Unlock()
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("object body"))}, nil
}

func TestMaterializerSources(t *testing.T) {
	store := &fakeS3{}
	m := &Materializer{S3: store, Log: logx.Nop()}
	dir := t.TempDir()

	files, err := m.Fetch(context.Background(), dir, []Attachment{
		{Name: "../../evil.txt", Caption: "a", ContentRef: "base64:" + base64.StdEncoding.EncodeToString([]byte("plain"))},
		{Name: "report.pdf", Caption: "b", ContentRef: "s3://media/2026/report.pdf"},
		{Name: "broken.bin", Caption: "c", ContentRef: "s3://no-key"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected the malformed reference to be dropped, got %+v", files)
	}
	evil := filepath.Join(dir, "evil.txt")
	if files[evil] != "a" {
		t.Fatalf("name not confined to scratch dir: %+v", files)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "report.pdf")); string(b) != "object body" {
		t.Fatalf("s3 body %q", b)
	}
	if len(store.keys) != 1 || store.keys[0] != "media/2026/report.pdf" {
		t.Fatalf("s3 keys %v", store.keys)
	}
}

func TestMaterializerDownscalesLargeImages(t *testing.T) {
	src := imaging.New(400, 200, image.White.C)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.PNG); err != nil {
		t.Fatal(err)
	}
	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	m := &Materializer{MaxImageDim: 100, Log: logx.Nop()}
	files, err := m.Fetch(context.Background(), t.TempDir(), []Attachment{{Name: "banner.png", ContentRef: ref}})
	if err != nil {
		t.Fatal(err)
	}
	for path := range files {
		img, err := imaging.Open(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
			t.Fatalf("downscaled to %dx%d", b.Dx(), b.Dy())
		}
	}
}

func TestFileTransferDecodesLegacyFields(t *testing.T) {
	var ft FileTransfer
	raw := `{"type":"file-transfer","files":[{"name":"a.jpg","caption":"x","path":"/uploads/a.jpg"}],"selectedDevices":["desk-1"],"postingType":"contact"}`
	if err := json.Unmarshal([]byte(raw), &ft); err != nil {
		t.Fatal(err)
	}
	if !ft.AddressedTo("desk-1") || ft.AddressedTo("") {
		t.Fatalf("targets %+v", ft.targets())
	}
	atts := ft.attachments()
	if len(atts) != 1 || atts[0].ref() != "/uploads/a.jpg" {
		t.Fatalf("attachments %+v", atts)
	}
}

func TestResentTransferKeepsFingerprint(t *testing.T) {
	c, err := New(Config{URL: "ws://127.0.0.1:1/ws", Name: "desk-1", ScratchDir: filepath.Join(t.TempDir(), "in")}, nil, nil, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	eng := newFakeEngine(nil)
	ft := FileTransfer{
		Type:    TypeFileTransfer,
		Message: "flyer",
		Attachments: []Attachment{
			{Name: "a.txt", Caption: "first", ContentRef: "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))},
		},
		SelectedTags: []string{"All"},
		PostingType:  "group",
	}

	var prints, paths []string
	for range 2 {
		c.dispatch(context.Background(), eng, job.Group, ft)
		seen := <-eng.jobs
		if seen.files["a.txt"] != "hello" {
			t.Fatalf("files %+v", seen.files)
		}
		prints = append(prints, seen.spec.Fingerprint())
		paths = append(paths, strings.Join(seen.spec.AttachmentPaths(), ","))
	}
	if paths[0] != paths[1] {
		t.Fatalf("paths differ: %q vs %q", paths[0], paths[1])
	}
	if prints[0] != prints[1] {
		t.Fatalf("fingerprints differ: %s vs %s", prints[0], prints[1])
	}

	ft.Attachments[0].Caption = "second"
	c.dispatch(context.Background(), eng, job.Group, ft)
	if seen := <-eng.jobs; strings.Join(seen.spec.AttachmentPaths(), ",") == paths[0] {
		t.Fatalf("different transfer reused scratch dir %q", paths[0])
	}
}
