package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"pkt.systems/devgate/schema"
)

func TestNavigateBeforeBrowseIsNoop(t *testing.T) {
	proxy := New(DefaultConfig(), nil)
	if err := proxy.Navigate(context.Background(), "http://example.invalid"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if proxy.HasPage() {
		t.Fatalf("navigate must not create a page")
	}
	if err := proxy.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBrowseLaunchFailureRendersErrorDocument(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecPath = "/nonexistent/chromium"
	cfg.LaunchTimeout = 2 * time.Second
	proxy := New(cfg, nil)
	t.Cleanup(func() { _ = proxy.Close() })

	doc := proxy.Browse(context.Background(), "http://127.0.0.1:1", "3000")
	if strings.TrimSpace(doc) == "" {
		t.Fatalf("expected non-empty document")
	}
	if !strings.Contains(doc, "<h1>") || !strings.Contains(doc, "Embedded Page") {
		t.Fatalf("expected error document, got:\n%s", doc)
	}
	if !strings.Contains(doc, "/nonexistent/chromium") {
		t.Fatalf("expected launch failure cause in document, got:\n%s", doc)
	}
	if proxy.HasPage() {
		t.Fatalf("failed launch must not leave a page")
	}
}

func TestErrorMessageReportsCause(t *testing.T) {
	cause := errors.New("page load error net::ERR_CONNECTION_REFUSED")
	err := fmt.Errorf("navigate http://127.0.0.1:1/: %w", errors.Join(schema.ErrNavigation, cause))
	if got := errorMessage(err); got != cause.Error() {
		t.Fatalf("expected cause %q, got %q", cause, got)
	}
	doc := RenderError(errorMessage(err))
	if !strings.Contains(doc, "<h1>page load error net::ERR_CONNECTION_REFUSED</h1>") {
		t.Fatalf("expected cause in document:\n%s", doc)
	}
	if got := errorMessage(errors.New("plain")); got != "plain" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestBrowseRequiresURL(t *testing.T) {
	var outcomes []bool
	cfg := DefaultConfig()
	cfg.Outcome = func(success bool) { outcomes = append(outcomes, success) }
	proxy := New(cfg, nil)
	doc := proxy.Browse(context.Background(), "", "3000")
	if !strings.Contains(doc, "url is required") {
		t.Fatalf("expected url error document, got:\n%s", doc)
	}
	if len(outcomes) != 1 || outcomes[0] {
		t.Fatalf("expected one failed outcome, got %v", outcomes)
	}
}

func TestWithinTimesOut(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	err := within(context.Background(), 10*time.Millisecond, func() error {
		<-block
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBrowseCapturesPageWithChrome(t *testing.T) {
	execPath := requireBrowser(t)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		script := ""
		if r.URL.Path == "/alert" {
			script = `<script>alert("blocking")</script>`
		}
		_, _ = fmt.Fprintf(w, `<html><head><style>h2 { color: teal; }</style></head><body><h2 id="greet">%s</h2>%s</body></html>`, r.URL.Path, script)
	}))
	t.Cleanup(site.Close)

	cfg := DefaultConfig()
	cfg.ExecPath = execPath
	cfg.LaunchTimeout = 30 * time.Second
	proxy := New(cfg, nil)
	t.Cleanup(func() { _ = proxy.Close() })

	doc := proxy.Browse(context.Background(), site.URL+"/first", "3000")
	for _, want := range []string{"h2 { color: teal; }", `id="greet"`, "/first", `"3000"`} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected %q in document:\n%s", want, doc)
		}
	}
	if !proxy.HasPage() {
		t.Fatalf("expected tracked page")
	}
	doc = proxy.Browse(context.Background(), site.URL+"/second", "3001")
	if !strings.Contains(doc, "/second") || proxy.PageURL() != site.URL+"/second" {
		t.Fatalf("expected second page to replace the first")
	}
	if err := proxy.Navigate(context.Background(), site.URL+"/third"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if proxy.PageURL() != site.URL+"/third" {
		t.Fatalf("unexpected page url %q", proxy.PageURL())
	}

	withDialog := proxy.Browse(context.Background(), site.URL+"/alert", "3000")
	if !strings.Contains(withDialog, `id="greet"`) {
		t.Fatalf("expected page with dialog to be captured:\n%s", withDialog)
	}

	unreachable := proxy.Browse(context.Background(), "http://127.0.0.1:1/", "3000")
	if !strings.Contains(unreachable, "<h1>") || !strings.Contains(unreachable, "ERR_CONNECTION_REFUSED") {
		t.Fatalf("expected connection refused document for unreachable url:\n%s", unreachable)
	}
}

func requireBrowser(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("no chrome or chromium binary found")
	return ""
}
