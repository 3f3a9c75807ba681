package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/devgate/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	RootDir       string         `mapstructure:"root_dir" yaml:"root_dir"`
	UserDir       string         `mapstructure:"user_dir" yaml:"user_dir"`
	Terminal      TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Browser       BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Watcher       WatcherConfig  `mapstructure:"watcher" yaml:"watcher"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// TerminalConfig configures the shared shell.
type TerminalConfig struct {
	Shell           string            `mapstructure:"shell" yaml:"shell"`
	Args            []string          `mapstructure:"args" yaml:"args"`
	Term            string            `mapstructure:"term" yaml:"term"`
	Cols            int               `mapstructure:"cols" yaml:"cols"`
	Rows            int               `mapstructure:"rows" yaml:"rows"`
	Env             map[string]string `mapstructure:"env" yaml:"env"`
	ScrollbackBytes int               `mapstructure:"scrollback_bytes" yaml:"scrollback_bytes"`
}

// BrowserConfig configures the headless preview browser.
type BrowserConfig struct {
	ExecPath               string `mapstructure:"exec_path" yaml:"exec_path"`
	Headless               bool   `mapstructure:"headless" yaml:"headless"`
	NoSandbox              bool   `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	LaunchTimeoutSeconds   int    `mapstructure:"launch_timeout_seconds" yaml:"launch_timeout_seconds"`
	NavigateTimeoutSeconds int    `mapstructure:"navigate_timeout_seconds" yaml:"navigate_timeout_seconds"`
	ChannelPath            string `mapstructure:"channel_path" yaml:"channel_path"`
}

// WatcherConfig configures the filesystem watcher.
type WatcherConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Ignore  []string `mapstructure:"ignore" yaml:"ignore"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr             string   `mapstructure:"addr" yaml:"addr"`
	BaseURL          string   `mapstructure:"base_url" yaml:"base_url"`
	BasePath         string   `mapstructure:"base_path" yaml:"base_path"`
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	QueueDepth       int      `mapstructure:"queue_depth" yaml:"queue_depth"`
	OpTimeoutSeconds int      `mapstructure:"op_timeout_seconds" yaml:"op_timeout_seconds"`
	MetricsPath      string   `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// SSHConfig configures the optional SSH attach surface. Empty Addr disables it.
type SSHConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
}

// DefaultAllowedOrigins mirrors the origins the hosted editor is served from.
var DefaultAllowedOrigins = []string{
	"https://www.automateandlearn.fun",
	"https://automateandlearn.fun",
	"http://localhost:*",
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		RootDir:       schema.DefaultRootDir,
		UserDir:       filepath.Join(schema.DefaultRootDir, schema.DefaultUserDirName),
		Terminal: TerminalConfig{
			Shell:           "/bin/bash",
			Args:            []string{},
			Term:            "xterm-color",
			Cols:            150,
			Rows:            30,
			Env:             map[string]string{},
			ScrollbackBytes: 1 << 20,
		},
		Browser: BrowserConfig{
			ExecPath:               "",
			Headless:               true,
			NoSandbox:              true,
			LaunchTimeoutSeconds:   10,
			NavigateTimeoutSeconds: 30,
			ChannelPath:            "/preview/socket",
		},
		Watcher: WatcherConfig{
			Enabled: true,
			Ignore:  []string{".git", "node_modules"},
		},
		HTTP: HTTPConfig{
			Addr:             ":9000",
			BaseURL:          "",
			BasePath:         "",
			AllowedOrigins:   append([]string(nil), DefaultAllowedOrigins...),
			QueueDepth:       256,
			OpTimeoutSeconds: 10,
			MetricsPath:      "/metrics",
		},
		SSH: SSHConfig{
			Addr:        "",
			HostKeyPath: filepath.Join(home, ".devgate", "ssh_host_key"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".devgate", "config.yaml"), nil
}

// ServiceConfig converts the file config into the gateway's service config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		RootDir:   c.RootDir,
		UserDir:   c.UserDir,
		OpTimeout: seconds(c.HTTP.OpTimeoutSeconds),
	}
}
