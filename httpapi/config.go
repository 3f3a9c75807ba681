package httpapi

import "time"

// Config defines HTTP API and websocket settings.
type Config struct {
	Addr           string
	BaseURL        string
	BasePath       string
	AllowedOrigins []string
	PreviewPath    string
	MetricsPath    string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	ReadLimit      int64
	ResultQueue    int
}

const (
	// DefaultPreviewPath is where the preview bootstrap script connects.
	DefaultPreviewPath  = "/preview/socket"
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 8 << 20
	defaultResultQueue  = 64
	shutdownTimeout     = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PreviewPath == "" {
		c.PreviewPath = DefaultPreviewPath
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.ResultQueue <= 0 {
		c.ResultQueue = defaultResultQueue
	}
	return c
}

// ChannelURL returns the preview channel address embedded in rendered pages.
// It is relative to the page origin unless a base URL is configured.
func ChannelURL(cfg Config) string {
	cfg = cfg.withDefaults()
	base := buildBaseHref(cfg.BaseURL, cfg.BasePath)
	if base == "" {
		return cfg.PreviewPath
	}
	return trimTrailingSlash(base) + cfg.PreviewPath
}
