package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"pkt.systems/devgate/core"
	"pkt.systems/devgate/httpapi"
	"pkt.systems/devgate/internal/browser"
	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/internal/filestore"
	"pkt.systems/devgate/internal/terminal"
	"pkt.systems/devgate/internal/tree"
	"pkt.systems/devgate/internal/watcher"
	"pkt.systems/devgate/schema"
)

type gateway struct {
	url     string
	root    string
	userDir string
	bus     *eventbus.Bus
	hub     *httpapi.Hub
	proxy   *browser.Proxy
	term    *terminal.Bridge
}

type gatewayOptions struct {
	browserPath string
	watch       bool
}

func newGateway(t *testing.T, opts gatewayOptions) *gateway {
	t.Helper()
	root := t.TempDir()
	userDir := filepath.Join(root, "user")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatalf("mkdir user dir: %v", err)
	}

	var mu sync.RWMutex
	var handler http.Handler = http.NotFoundHandler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		h := handler
		mu.RUnlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := eventbus.New(nil)
	fs := afero.NewOsFs()
	store, err := filestore.New(fs, root, userDir)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}

	browserCfg := browser.DefaultConfig()
	browserCfg.ExecPath = opts.browserPath
	browserCfg.LaunchTimeout = 30 * time.Second
	browserCfg.ChannelURL = server.URL + httpapi.DefaultPreviewPath
	proxy := browser.New(browserCfg, nil)
	t.Cleanup(func() { _ = proxy.Close() })

	term, err := terminal.Start(ctx, terminal.Config{Shell: "/bin/sh", Dir: userDir, Cols: 80, Rows: 24}, bus)
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	t.Cleanup(func() { _ = term.Close() })

	if opts.watch {
		w, err := watcher.New(watcher.Config{Root: userDir}, bus)
		if err != nil {
			t.Fatalf("watcher: %v", err)
		}
		go func() { _ = w.Run(ctx) }()
		select {
		case <-w.Ready():
		case <-time.After(5 * time.Second):
			t.Fatalf("watcher not ready")
		}
	}

	service, err := core.NewService(schema.ServiceConfig{RootDir: root, UserDir: userDir, OpTimeout: 5 * time.Second}, core.ServiceDeps{
		Terminal: term,
		Files:    store,
		Tree:     tree.NewBuilder(fs),
		Browser:  proxy,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	// The rendered preview is hosted on another loopback port in tests.
	srv := httpapi.NewServer(httpapi.Config{AllowedOrigins: []string{"http://127.0.0.1:*"}}, service, bus, nil)
	mu.Lock()
	handler = srv.Handler()
	mu.Unlock()

	return &gateway{
		url:     server.URL,
		root:    root,
		userDir: userDir,
		bus:     bus,
		hub:     srv.Hub(),
		proxy:   proxy,
		term:    term,
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	mu   sync.Mutex
	out  strings.Builder
}

type frame struct {
	Event schema.EventName `json:"event"`
	ID    string           `json:"id"`
	Data  json.RawMessage  `json:"data"`
	Kind  string           `json:"kind"`
}

func (g *gateway) connect(t *testing.T) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(g.url, "http")+"/socket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, id string, data any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"event": event, "id": id, "data": data}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// await reads frames until match accepts one. Terminal output is accumulated
// into the client's transcript along the way.
func (c *client) await(match func(frame) bool) frame {
	c.t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("read: %v (transcript %q)", err, c.transcript())
		}
		if f.Event == schema.EventTerminalData {
			var chunk string
			_ = json.Unmarshal(f.Data, &chunk)
			c.mu.Lock()
			c.out.WriteString(chunk)
			c.mu.Unlock()
		}
		if match(f) {
			return f
		}
	}
}

func (c *client) awaitOutput(text string) {
	c.t.Helper()
	if strings.Contains(c.transcript(), text) {
		return
	}
	c.await(func(frame) bool { return strings.Contains(c.transcript(), text) })
}

func (c *client) awaitResult(id string) schema.Result {
	c.t.Helper()
	f := c.await(func(f frame) bool { return f.Event == schema.EventResult && f.ID == id })
	var res schema.Result
	if err := json.Unmarshal(f.Data, &res); err != nil {
		c.t.Fatalf("decode result: %v", err)
	}
	return res
}

func (c *client) transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func requireBrowser(t *testing.T) string {
	t.Helper()
	requireLong(t)
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("no chrome or chromium binary found")
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
