package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/devgate/core"
	"pkt.systems/devgate/schema"
)

// Observer receives transport measurements.
type Observer interface {
	RequestRecorder
	ConnectionOpened()
	ConnectionClosed()
	RecordTreeBuild(duration time.Duration)
}

// Server serves the HTTP API and the websocket channels.
type Server struct {
	cfg            Config
	service        core.Service
	bus            Subscriber
	hub            *Hub
	observer       Observer
	metricsHandler http.Handler
	origins        *originMatcher
	upgrader       websocket.Upgrader
	basePath       string
}

// Option customizes a Server.
type Option func(*Server)

// WithObserver records request and connection measurements.
func WithObserver(observer Observer) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithMetricsHandler exposes handler at Config.MetricsPath.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = handler
	}
}

// NewServer constructs an HTTP server. A nil hub gets a fresh one.
func NewServer(cfg Config, service core.Service, bus Subscriber, hub *Hub, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		cfg:      cfg,
		service:  service,
		bus:      bus,
		hub:      hub,
		origins:  newOriginMatcher(cfg.AllowedOrigins),
		basePath: normalizeBasePath(cfg.BasePath),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, withRoute(pattern, fn))
	}
	handle("GET /{$}", s.handleIndex)
	handle("GET /files", s.handleFiles)
	handle("GET /files/content", s.handleFileContent)
	handle("POST /browse", s.handleBrowse)
	handle("GET /socket", s.handleSession)
	handle("GET "+s.cfg.PreviewPath, s.handlePreview)
	if s.metricsHandler != nil && s.cfg.MetricsPath != "" {
		handle("GET "+s.cfg.MetricsPath, s.metricsHandler.ServeHTTP)
	}

	var handler http.Handler = mux
	if s.basePath != "" {
		prefix := s.basePath
		root := http.NewServeMux()
		root.Handle(prefix+"/", http.StripPrefix(prefix, mux))
		root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != prefix {
				http.NotFound(w, r)
				return
			}
			http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
		})
		handler = root
	}
	return withRequestLogging(withCORS(handler, s.origins), s.observer)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Connected to server"))
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	node, err := s.service.Tree(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.observer != nil {
		s.observer.RecordTreeBuild(time.Since(start))
	}
	writeJSON(w, http.StatusOK, []schema.TreeNode{node})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if strings.TrimSpace(path) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: path is required", schema.ErrInvalidRequest))
		return
	}
	content, err := s.service.ReadFile(r.Context(), path)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	target := headerOrQuery(r, "url")
	port := headerOrQuery(r, "port")
	doc := s.service.Browse(r.Context(), target, port)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func headerOrQuery(r *http.Request, key string) string {
	if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
		return value
	}
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func statusFor(err error) int {
	switch schema.ErrorKind(err) {
	case "invalid_request":
		return http.StatusBadRequest
	case "path_escape":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": schema.ErrorKind(err)})
}
