package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/internal/metrics"
	"pkt.systems/devgate/schema"
)

type fakeService struct {
	mu         sync.Mutex
	tree       schema.TreeNode
	treeErr    error
	files      map[string]string
	history    []byte
	dispatched []schema.Envelope
	browseURL  string
	browsePort string
	// navigate, when set, holds message events until it is closed.
	navigate chan struct{}
}

func (f *fakeService) Dispatch(_ context.Context, _ schema.ConnID, env schema.Envelope) schema.Result {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, env)
	f.mu.Unlock()
	event := schema.NormalizeEventName(string(env.Event))
	if event == schema.EventMessage && f.navigate != nil {
		<-f.navigate
	}
	if event == "fail" {
		return schema.NewResult(event, env.ID, fmt.Errorf("%w: boom", schema.ErrInvalidRequest))
	}
	return schema.NewResult(event, env.ID, nil)
}

func (f *fakeService) Tree(context.Context) (schema.TreeNode, error) {
	return f.tree, f.treeErr
}

func (f *fakeService) ReadFile(_ context.Context, path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", schema.ErrPathEscape
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, errors.Join(schema.ErrIO, schema.ErrNotFound))
	}
	return content, nil
}

func (f *fakeService) Browse(_ context.Context, url, port string) string {
	f.mu.Lock()
	f.browseURL, f.browsePort = url, port
	f.mu.Unlock()
	return "<html>" + url + "</html>"
}

func (f *fakeService) TerminalHistory() []byte {
	return f.history
}

func (f *fakeService) envelopes() []schema.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Envelope(nil), f.dispatched...)
}

type fakeSubscriber struct {
	ch chan eventbus.Event
}

func (f *fakeSubscriber) Subscribe(schema.ConnID) (<-chan eventbus.Event, func()) {
	return f.ch, func() {}
}

func newTestServer(t *testing.T, svc *fakeService, bus Subscriber, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg, svc, bus, nil, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type inboundFrame struct {
	Event schema.EventName `json:"event"`
	ID    string           `json:"id"`
	Data  json.RawMessage  `json:"data"`
	Kind  string           `json:"kind"`
}

func readFrame(t *testing.T, conn *websocket.Conn) inboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame inboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{}, nil, Config{})
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "Connected to server" {
		t.Fatalf("unexpected index response %d %q", resp.StatusCode, body)
	}
}

func TestFilesWrapsTreeInArray(t *testing.T) {
	svc := &fakeService{tree: schema.NewDirNode("d-2", "user", []schema.TreeNode{schema.NewFileNode("f-1", "a.txt")})}
	_, ts := newTestServer(t, svc, nil, Config{})
	resp, err := http.Get(ts.URL + "/files")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var nodes []schema.TreeNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "user" || len(nodes[0].ChildNodes()) != 1 {
		t.Fatalf("unexpected tree response %+v", nodes)
	}
}

func TestFilesErrorCarriesKind(t *testing.T) {
	svc := &fakeService{treeErr: fmt.Errorf("stat: %w", errors.Join(schema.ErrIO, schema.ErrNotFound))}
	_, ts := newTestServer(t, svc, nil, Config{})
	resp, err := http.Get(ts.URL + "/files")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["kind"] != "not_found" || body["error"] == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestFileContentStatuses(t *testing.T) {
	svc := &fakeService{files: map[string]string{"/user/a.txt": "hello"}}
	_, ts := newTestServer(t, svc, nil, Config{})
	cases := []struct {
		query  string
		status int
	}{
		{"?path=/user/a.txt", http.StatusOK},
		{"", http.StatusBadRequest},
		{"?path=/../etc/passwd", http.StatusForbidden},
		{"?path=/user/missing.txt", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Get(ts.URL + "/files/content" + tc.query)
		if err != nil {
			t.Fatalf("get %q: %v", tc.query, err)
		}
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("query %q: expected %d, got %d", tc.query, tc.status, resp.StatusCode)
		}
		if tc.status == http.StatusOK && body["content"] != "hello" {
			t.Fatalf("unexpected content %+v", body)
		}
	}
}

func TestBrowseReadsHeadersWithQueryFallback(t *testing.T) {
	svc := &fakeService{}
	_, ts := newTestServer(t, svc, nil, Config{})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/browse?port=9999", nil)
	req.Header.Set("url", "http://localhost:3000/")
	req.Header.Set("port", "3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected browse response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if string(body) != "<html>http://localhost:3000/</html>" || svc.browsePort != "3000" {
		t.Fatalf("unexpected browse call body=%q port=%q", body, svc.browsePort)
	}

	resp, err = http.Post(ts.URL+"/browse?url=http://example.test&port=8080", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if svc.browseURL != "http://example.test" || svc.browsePort != "8080" {
		t.Fatalf("query fallback not used: %q %q", svc.browseURL, svc.browsePort)
	}
}

func TestCORS(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{}, nil, Config{AllowedOrigins: []string{"http://localhost:*", "https://app.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/browse", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("unexpected preflight %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for foreign origin, got %q", got)
	}
}

func TestOriginMatcher(t *testing.T) {
	m := newOriginMatcher([]string{"http://localhost:*", "https://App.example.com/"})
	cases := map[string]bool{
		"http://localhost:3000":       true,
		"http://localhost:5173/":      true,
		"https://app.example.com":     true,
		"https://other.example.com":   false,
		"http://localhost.evil.com:1": false,
		"":                            false,
	}
	for origin, want := range cases {
		if got := m.allowed(origin); got != want {
			t.Fatalf("allowed(%q) = %v, want %v", origin, got, want)
		}
	}
	if !newOriginMatcher([]string{"*"}).allowed("https://anything.test") {
		t.Fatalf("expected wildcard to allow every origin")
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{}, nil, Config{AllowedOrigins: []string{"http://localhost:*"}})
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/socket"), header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestSessionDispatchReturnsResult(t *testing.T) {
	svc := &fakeService{}
	_, ts := newTestServer(t, svc, eventbus.New(nil), Config{})
	conn := dial(t, wsURL(ts, "/socket"))

	if err := conn.WriteJSON(map[string]any{"event": "terminal:write", "id": "r1", "data": "ls\n"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Event != schema.EventResult || frame.ID != "r1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	var res schema.Result
	if err := json.Unmarshal(frame.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.OK || res.Event != schema.EventTerminalWrite {
		t.Fatalf("unexpected result %+v", res)
	}
	envs := svc.envelopes()
	if len(envs) != 1 || string(envs[0].Data) != `"ls\n"` {
		t.Fatalf("unexpected dispatched envelopes %+v", envs)
	}
}

func TestSlowNavigateDoesNotBlockTerminalInput(t *testing.T) {
	svc := &fakeService{navigate: make(chan struct{})}
	_, ts := newTestServer(t, svc, eventbus.New(nil), Config{})
	conn := dial(t, wsURL(ts, "/socket"))
	released := false
	defer func() {
		if !released {
			close(svc.navigate)
		}
	}()

	if err := conn.WriteJSON(map[string]any{"event": "message", "id": "n1", "data": map[string]string{"action": "navigate", "url": "http://x"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"event": "terminal-write", "id": "w1", "data": "ls\n"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.ID != "w1" {
		t.Fatalf("expected terminal write result first, got %+v", frame)
	}

	close(svc.navigate)
	released = true
	if frame := readFrame(t, conn); frame.ID != "n1" {
		t.Fatalf("expected navigate result once released, got %+v", frame)
	}
}

func TestSessionMalformedFrameKeepsConnection(t *testing.T) {
	svc := &fakeService{}
	_, ts := newTestServer(t, svc, eventbus.New(nil), Config{})
	conn := dial(t, wsURL(ts, "/socket"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	var res schema.Result
	_ = json.Unmarshal(frame.Data, &res)
	if res.OK || res.Error == nil || res.Error.Kind != "invalid_request" {
		t.Fatalf("expected invalid_request result, got %+v", res)
	}

	if err := conn.WriteJSON(map[string]any{"event": "fail", "id": "r2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame = readFrame(t, conn)
	if frame.ID != "r2" {
		t.Fatalf("expected connection to stay open, got %+v", frame)
	}
}

func TestSessionReplaysHistoryThenBroadcasts(t *testing.T) {
	svc := &fakeService{history: []byte("$ prompt")}
	bus := eventbus.New(nil)
	srv, ts := newTestServer(t, svc, bus, Config{})
	conn := dial(t, wsURL(ts, "/socket"))

	frame := readFrame(t, conn)
	var data string
	_ = json.Unmarshal(frame.Data, &data)
	if frame.Event != schema.EventTerminalData || data != "$ prompt" {
		t.Fatalf("expected history replay, got %+v", frame)
	}

	waitFor(t, func() bool { return bus.Subscribers() == 1 && srv.Hub().Count() == 1 })
	bus.OnFileEvent(context.Background(), schema.FileSystemEvent{Kind: schema.FSAdd, Path: "/app/user/a.txt"})
	frame = readFrame(t, conn)
	_ = json.Unmarshal(frame.Data, &data)
	if frame.Event != schema.EventFileRefresh || data != "/app/user/a.txt" || frame.Kind != string(schema.FSAdd) {
		t.Fatalf("unexpected refresh frame %+v", frame)
	}

	bus.OnTerminalData(context.Background(), schema.TerminalData{Data: []byte("out")})
	frame = readFrame(t, conn)
	_ = json.Unmarshal(frame.Data, &data)
	if frame.Event != schema.EventTerminalData || data != "out" {
		t.Fatalf("unexpected terminal frame %+v", frame)
	}

	bus.OnTerminalExit(context.Background(), schema.TerminalExit{Pid: 7, ExitCode: 2})
	frame = readFrame(t, conn)
	var exit terminalExitPayload
	_ = json.Unmarshal(frame.Data, &exit)
	if frame.Event != schema.EventTerminalExit || exit.Pid != 7 || exit.ExitCode != 2 {
		t.Fatalf("unexpected exit frame %+v", frame)
	}
}

func TestEvictedSessionGetsSlowConsumerClose(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan eventbus.Event)}
	srv, ts := newTestServer(t, &fakeService{}, sub, Config{})
	conn := dial(t, wsURL(ts, "/socket"))
	waitFor(t, func() bool { return srv.Hub().Count() == 1 })

	close(sub.ch)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseTryAgainLater || closeErr.Text != slowConsumerReason {
		t.Fatalf("unexpected close %d %q", closeErr.Code, closeErr.Text)
	}
	waitFor(t, func() bool { return srv.Hub().Count() == 0 })
}

func TestPreviewChannelGreets(t *testing.T) {
	svc := &fakeService{history: []byte("ignored")}
	srv, ts := newTestServer(t, svc, eventbus.New(nil), Config{})
	conn := dial(t, wsURL(ts, "/preview/socket?port=3000"))

	frame := readFrame(t, conn)
	var greeting previewGreeting
	_ = json.Unmarshal(frame.Data, &greeting)
	if frame.Event != schema.EventMessage || greeting.Port != "3000" {
		t.Fatalf("unexpected greeting %+v", frame)
	}
	if err := conn.WriteJSON(map[string]any{"event": "terminal-write", "data": "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return srv.Hub().Count() == 1 })
	if len(srv.Hub().Sessions()) != 0 {
		t.Fatalf("preview connection listed as session")
	}
	time.Sleep(50 * time.Millisecond)
	if envs := svc.envelopes(); len(envs) != 0 {
		t.Fatalf("preview frames must not be dispatched, got %+v", envs)
	}
}

func TestHubCloseAllDisconnects(t *testing.T) {
	srv, ts := newTestServer(t, &fakeService{}, eventbus.New(nil), Config{})
	conn := dial(t, wsURL(ts, "/socket"))
	waitFor(t, func() bool { return srv.Hub().Count() == 1 })

	srv.Hub().CloseAll()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close")
	}
	waitFor(t, func() bool { return srv.Hub().Count() == 0 })
}

func TestBasePathMount(t *testing.T) {
	_, ts := newTestServer(t, &fakeService{}, nil, Config{BasePath: "/gate"})
	resp, err := http.Get(ts.URL + "/gate/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/files")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", resp.StatusCode)
	}
}

func TestMetricsRouteAndRequestCounting(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, &fakeService{}, nil, Config{MetricsPath: "/metrics"}, WithObserver(m), WithMetricsHandler(m.Handler()))

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `route="GET /{$}"`) {
		t.Fatalf("expected request counter for index route, got:\n%s", body)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
