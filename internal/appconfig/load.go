package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("root_dir", cfg.RootDir)
	v.SetDefault("user_dir", "")
	v.SetDefault("terminal.shell", cfg.Terminal.Shell)
	v.SetDefault("terminal.args", cfg.Terminal.Args)
	v.SetDefault("terminal.term", cfg.Terminal.Term)
	v.SetDefault("terminal.cols", cfg.Terminal.Cols)
	v.SetDefault("terminal.rows", cfg.Terminal.Rows)
	v.SetDefault("terminal.env", cfg.Terminal.Env)
	v.SetDefault("terminal.scrollback_bytes", cfg.Terminal.ScrollbackBytes)
	v.SetDefault("browser.exec_path", cfg.Browser.ExecPath)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.no_sandbox", cfg.Browser.NoSandbox)
	v.SetDefault("browser.launch_timeout_seconds", cfg.Browser.LaunchTimeoutSeconds)
	v.SetDefault("browser.navigate_timeout_seconds", cfg.Browser.NavigateTimeoutSeconds)
	v.SetDefault("browser.channel_path", cfg.Browser.ChannelPath)
	v.SetDefault("watcher.enabled", cfg.Watcher.Enabled)
	v.SetDefault("watcher.ignore", cfg.Watcher.Ignore)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.queue_depth", cfg.HTTP.QueueDepth)
	v.SetDefault("http.op_timeout_seconds", cfg.HTTP.OpTimeoutSeconds)
	v.SetDefault("http.metrics_path", cfg.HTTP.MetricsPath)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetEnvPrefix("DEVGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if strings.TrimSpace(cfg.UserDir) == "" {
		cfg.UserDir = filepath.Join(cfg.RootDir, "user")
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if !filepath.IsAbs(cfg.RootDir) {
		return fmt.Errorf("root_dir must be an absolute path")
	}
	if cfg.Terminal.Cols < 0 || cfg.Terminal.Rows < 0 || cfg.Terminal.Cols > 0xffff || cfg.Terminal.Rows > 0xffff {
		return fmt.Errorf("terminal.cols and terminal.rows must fit in 16 bits")
	}
	if cfg.HTTP.QueueDepth < 0 {
		return fmt.Errorf("http.queue_depth must not be negative")
	}
	channel := strings.TrimSpace(cfg.Browser.ChannelPath)
	if channel != "" && !strings.HasPrefix(channel, "/") {
		return fmt.Errorf("browser.channel_path must start with /")
	}
	return validateHTTPConfig(cfg.HTTP)
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	metricsPath := strings.TrimSpace(cfg.MetricsPath)
	if metricsPath != "" && !strings.HasPrefix(metricsPath, "/") {
		return fmt.Errorf("http.metrics_path must start with /")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.RootDir = expandEnv(cfg.RootDir)
	cfg.UserDir = expandEnv(cfg.UserDir)
	cfg.Terminal.Shell = expandEnv(cfg.Terminal.Shell)
	for key, value := range cfg.Terminal.Env {
		cfg.Terminal.Env[key] = expandEnv(value)
	}
	cfg.Browser.ExecPath = expandEnv(cfg.Browser.ExecPath)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// LaunchTimeout returns the browser launch timeout.
func (c BrowserConfig) LaunchTimeout() time.Duration { return seconds(c.LaunchTimeoutSeconds) }

// NavigateTimeout returns the browser navigation timeout.
func (c BrowserConfig) NavigateTimeout() time.Duration { return seconds(c.NavigateTimeoutSeconds) }

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
