package devgate

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"pkt.systems/devgate/core"
	"pkt.systems/devgate/httpapi"
	"pkt.systems/devgate/internal/browser"
	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/internal/filestore"
	"pkt.systems/devgate/internal/metrics"
	"pkt.systems/devgate/internal/terminal"
	"pkt.systems/devgate/internal/tree"
	"pkt.systems/devgate/internal/watcher"
	"pkt.systems/devgate/schema"
	"pkt.systems/devgate/sshserver"
	"pkt.systems/pslog"
)

// Server composes the shared resources with the HTTP and SSH surfaces.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service    schema.ServiceConfig
	HTTP       httpapi.Config
	SSH        sshserver.Config
	Terminal   terminal.Config
	Browser    browser.Config
	Watcher    WatcherConfig
	QueueDepth int
}

// WatcherConfig configures filesystem change broadcasts.
type WatcherConfig struct {
	Ignore []string
}

// ServerDeps captures optional collaborators. Zero values select the defaults.
type ServerDeps struct {
	Fs      afero.Fs
	Metrics *metrics.Metrics
	Logger  pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableSSH     bool
	enableWatcher bool
}

// WithHTTP enables the HTTP API and websocket channels.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH attach surface.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithWatcher enables file-refresh broadcasts for the user directory.
func WithWatcher() ServerOption {
	return func(o *serverOptions) { o.enableWatcher = true }
}

// New constructs a composable devgate server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH {
		return nil, errors.New("no services enabled")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	bus := eventbus.New(logger, eventbus.WithDepth(cfg.QueueDepth), eventbus.WithEvictHook(m.RecordEviction))
	sink := eventFanout{sinks: []core.EventSink{m, bus}}

	store, err := filestore.New(fs, cfg.Service.RootDir, cfg.Service.UserDir)
	if err != nil {
		return nil, err
	}

	browserCfg := cfg.Browser
	if browserCfg.ChannelURL == "" {
		browserCfg.ChannelURL = httpapi.ChannelURL(cfg.HTTP)
	}
	if browserCfg.Outcome == nil {
		browserCfg.Outcome = m.RecordBrowse
	}
	proxy := browser.New(browserCfg, logger)

	term := &sharedTerminal{}
	service, err := core.NewService(cfg.Service, core.ServiceDeps{
		Terminal: term,
		Files:    store,
		Tree:     tree.NewBuilder(fs),
		Browser:  proxy,
		Observer: m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	termCfg := cfg.Terminal
	if termCfg.Dir == "" {
		termCfg.Dir = cfg.Service.UserDir
	}

	s := &compositeServer{
		cfg:      cfg,
		options:  options,
		termCfg:  termCfg,
		term:     term,
		browser:  proxy,
		sink:     sink,
		service:  service,
		metrics:  m,
		logger:   logger,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	if options.enableHTTP {
		s.httpSrv = httpapi.NewServer(cfg.HTTP, service, bus, nil,
			httpapi.WithObserver(m),
			httpapi.WithMetricsHandler(m.Handler()),
		)
	}
	if options.enableSSH {
		s.sshSrv = &sshserver.Server{
			Addr:        cfg.SSH.Addr,
			HostKeyPath: cfg.SSH.HostKeyPath,
			Terminal:    term,
			EventBus:    bus,
			NewConnID:   core.NewConnID,
		}
	}
	return s, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	termCfg terminal.Config
	term    *sharedTerminal
	browser *browser.Proxy
	sink    eventFanout
	service core.Service
	metrics *metrics.Metrics
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	err      error
	done     chan struct{}
	finished chan struct{}
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"watcher", s.options.enableWatcher,
		"http_addr", s.cfg.HTTP.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
		"root", s.cfg.Service.RootDir,
		"user_dir", s.cfg.Service.UserDir,
	)

	bridge, err := terminal.Start(s.ctx, s.termCfg, s.sink)
	if err != nil {
		log.Error("terminal start failed", "err", err)
		s.finish(err)
		return err
	}
	s.term.attach(bridge)

	var w *watcher.Watcher
	if s.options.enableWatcher {
		w, err = watcher.New(watcher.Config{Root: s.cfg.Service.UserDir, Ignore: s.cfg.Watcher.Ignore}, s.sink)
		if err != nil {
			log.Error("watcher start failed", "err", err)
			s.finish(err)
			return err
		}
	}

	group, gctx := errgroup.WithContext(s.ctx)
	if w != nil {
		group.Go(func() error {
			if err := w.Run(gctx); err != nil {
				log.Error("watcher failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.httpSrv != nil {
		group.Go(func() error {
			if err := s.httpSrv.ListenAndServe(gctx); err != nil {
				log.Error("http server failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.sshSrv != nil {
		group.Go(func() error {
			if err := s.sshSrv.ListenAndServe(gctx); err != nil {
				log.Error("ssh server failed", "err", err)
				return err
			}
			return nil
		})
	}
	go func() {
		s.finish(group.Wait())
	}()
	return nil
}

// finish releases the shared resources exactly once.
func (s *compositeServer) finish(err error) {
	s.mu.Lock()
	select {
	case <-s.finished:
		s.mu.Unlock()
		return
	default:
	}
	close(s.finished)
	s.err = err
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	log := s.logger
	if s.httpSrv != nil {
		s.httpSrv.Hub().CloseAll()
	}
	if err := s.browser.Close(); err != nil {
		log.Warn("browser close failed", "err", err)
	}
	if err := s.term.close(); err != nil {
		log.Warn("terminal close failed", "err", err)
	}
	log.Info("server resources released")
	close(s.done)
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.done:
		log.Info("server stopped")
		return nil
	}
}
