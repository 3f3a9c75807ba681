// Package browser owns the shared headless browser used for page previews.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

const (
	defaultLaunchTimeout   = 10 * time.Second
	defaultNavigateTimeout = 30 * time.Second
	defaultChannelURL      = "/preview/socket"

	stylesScript = `Array.from(document.querySelectorAll('style')).map(function (s) { return s.textContent; }).join("\n")`
	markupScript = `document.documentElement.outerHTML`
)

// Config controls how the browser is launched.
type Config struct {
	ExecPath        string
	Headless        bool
	NoSandbox       bool
	LaunchTimeout   time.Duration
	NavigateTimeout time.Duration
	// ChannelURL is the preview channel the rendered page connects back to.
	ChannelURL string
	// Outcome, when set, is told whether each Browse captured a page.
	Outcome func(success bool)
}

// DefaultConfig returns a headless sandbox-free config.
func DefaultConfig() Config {
	return Config{
		Headless:        true,
		NoSandbox:       true,
		LaunchTimeout:   defaultLaunchTimeout,
		NavigateTimeout: defaultNavigateTimeout,
		ChannelURL:      defaultChannelURL,
	}
}

type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	url    string
}

// Proxy holds at most one browser and one current page.
type Proxy struct {
	cfg Config
	log pslog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	page          *page
}

// New returns a Proxy. The browser is launched on the first Browse.
func New(cfg Config, log pslog.Logger) *Proxy {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = defaultNavigateTimeout
	}
	if cfg.ChannelURL == "" {
		cfg.ChannelURL = defaultChannelURL
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Proxy{cfg: cfg, log: log.With("component", "browser")}
}

// Browse opens url in a fresh page, replacing the current one, and returns a
// document embedding the page. Failures are rendered as an error document.
func (p *Proxy) Browse(ctx context.Context, url, port string) string {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	markup, styles, err := p.browseLocked(ctx, url)
	if err != nil {
		p.log.Warn("browse failed", "url", url, "err", err)
		p.report(false)
		return RenderError(errorMessage(err))
	}
	p.log.Info("page captured", "url", url, "bytes", len(markup))
	p.report(true)
	return RenderPage(markup, styles, p.cfg.ChannelURL, port)
}

func (p *Proxy) report(success bool) {
	if p.cfg.Outcome != nil {
		p.cfg.Outcome(success)
	}
}

func (p *Proxy) browseLocked(ctx context.Context, url string) (string, string, error) {
	if url == "" {
		return "", "", fmt.Errorf("browse: url is required: %w", schema.ErrInvalidRequest)
	}
	if err := p.ensureBrowserLocked(ctx); err != nil {
		return "", "", err
	}
	p.closePageLocked()

	pageCtx, pageCancel := chromedp.NewContext(p.browserCtx)
	if err := within(ctx, p.cfg.LaunchTimeout, func() error { return chromedp.Run(pageCtx) }); err != nil {
		pageCancel()
		return "", "", fmt.Errorf("open page: %w", errors.Join(schema.ErrLaunch, err))
	}
	p.page = &page{ctx: pageCtx, cancel: pageCancel, url: url}
	p.dismissDialogs(pageCtx)

	var markup, styles string
	err := p.runLocked(ctx, pageCtx,
		chromedp.Navigate(url),
		chromedp.Evaluate(markupScript, &markup),
		chromedp.Evaluate(stylesScript, &styles),
	)
	if err != nil {
		return "", "", fmt.Errorf("navigate %s: %w", url, errors.Join(schema.ErrNavigation, err))
	}
	return markup, styles, nil
}

// dismissDialogs accepts JavaScript dialogs so an alert on the previewed
// page cannot stall navigation.
func (p *Proxy) dismissDialogs(pageCtx context.Context) {
	chromedp.ListenTarget(pageCtx, func(ev any) {
		opening, ok := ev.(*cdppage.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		p.log.Debug("page dialog dismissed", "type", opening.Type, "message", opening.Message)
		go func() {
			_ = chromedp.Run(pageCtx, cdppage.HandleJavaScriptDialog(true))
		}()
	})
}

// Navigate re-navigates the current page. Without a page it does nothing.
func (p *Proxy) Navigate(ctx context.Context, url string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.page == nil {
		p.log.Info("no page available for navigation", "url", url)
		return nil
	}
	if url == "" {
		return fmt.Errorf("navigate: url is required: %w", schema.ErrInvalidRequest)
	}
	if err := p.runLocked(ctx, p.page.ctx, chromedp.Navigate(url)); err != nil {
		p.log.Warn("navigate failed", "url", url, "err", err)
		return fmt.Errorf("navigate %s: %w", url, errors.Join(schema.ErrNavigation, err))
	}
	p.page.url = url
	p.log.Info("page navigated", "url", url)
	return nil
}

// HasPage reports whether a page is currently tracked.
func (p *Proxy) HasPage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page != nil
}

// PageURL returns the url of the current page, if any.
func (p *Proxy) PageURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.page == nil {
		return ""
	}
	return p.page.url
}

// Close closes the current page and the browser.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closePageLocked()
	p.closeBrowserLocked()
	return nil
}

func (p *Proxy) runLocked(ctx, pageCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(pageCtx, p.cfg.NavigateTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *Proxy) ensureBrowserLocked(ctx context.Context) error {
	if p.browserCtx != nil && p.browserCtx.Err() == nil {
		return nil
	}
	p.closeBrowserLocked()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", p.cfg.NoSandbox),
	)
	if p.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		p.log.Debug("chromedp error", "detail", fmt.Sprintf(format, args...))
	}))
	p.log.Info("launching browser", "exec_path", p.cfg.ExecPath, "headless", p.cfg.Headless)
	if err := within(ctx, p.cfg.LaunchTimeout, func() error { return chromedp.Run(browserCtx) }); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", errors.Join(schema.ErrLaunch, err))
	}
	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	return nil
}

func (p *Proxy) closePageLocked() {
	if p.page == nil {
		return
	}
	if err := chromedp.Cancel(p.page.ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Debug("close page failed", "err", err)
	}
	p.page.cancel()
	p.page = nil
}

func (p *Proxy) closeBrowserLocked() {
	if p.browserCtx != nil {
		if err := chromedp.Cancel(p.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Debug("close browser failed", "err", err)
		}
		p.browserCancel()
		p.browserCtx = nil
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
}

// within runs fn, giving up after d or when ctx ends. Callers cancel the
// contexts fn depends on so it returns eventually.
func within(ctx context.Context, d time.Duration, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorMessage(err error) string {
	// Report the innermost cause, the sentinels only classify.
	for {
		var joined interface{ Unwrap() []error }
		if !errors.As(err, &joined) {
			break
		}
		errs := joined.Unwrap()
		if len(errs) == 0 {
			break
		}
		err = errs[len(errs)-1]
	}
	return err.Error()
}
