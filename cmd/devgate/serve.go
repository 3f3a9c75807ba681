package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"pkt.systems/devgate"
	"pkt.systems/devgate/httpapi"
	"pkt.systems/devgate/internal/appconfig"
	"pkt.systems/devgate/internal/browser"
	"pkt.systems/devgate/internal/terminal"
	"pkt.systems/devgate/schema"
	"pkt.systems/devgate/sshserver"
	"pkt.systems/pslog"
)

type serveFlags struct {
	config  string
	addr    string
	root    string
	sshAddr string
	qr      bool
	noWatch bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the devgate gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(flags.config)
			if err != nil {
				return err
			}
			applyServeFlags(&cfg, flags)
			if err := os.MkdirAll(cfg.UserDir, 0o755); err != nil {
				return fmt.Errorf("create user dir: %w", err)
			}

			opts := []devgate.ServerOption{devgate.WithHTTP()}
			if cfg.Watcher.Enabled {
				opts = append(opts, devgate.WithWatcher())
			}
			if strings.TrimSpace(cfg.SSH.Addr) != "" {
				opts = append(opts, devgate.WithSSH())
			}
			server, err := devgate.New(toServerConfig(cfg), devgate.ServerDeps{Logger: logger}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("devgate starting", "root", cfg.RootDir, "user_dir", cfg.UserDir, "ssh", cfg.SSH.Addr != "")
			if flags.qr {
				printQR(cmd.OutOrStdout(), publicURL(cfg.HTTP))
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().StringVar(&flags.root, "root", "", "workspace root (overrides root_dir; user dir becomes <root>/user)")
	cmd.Flags().StringVar(&flags.sshAddr, "ssh-addr", "", "enable SSH attach on this address (overrides ssh.addr)")
	cmd.Flags().BoolVar(&flags.qr, "qr", false, "print a QR code of the public URL")
	cmd.Flags().BoolVar(&flags.noWatch, "no-watch", false, "disable file-refresh broadcasts")
	return cmd
}

func applyServeFlags(cfg *appconfig.Config, flags serveFlags) {
	if v := strings.TrimSpace(flags.addr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(flags.root); v != "" {
		cfg.RootDir = filepath.Clean(v)
		cfg.UserDir = filepath.Join(cfg.RootDir, schema.DefaultUserDirName)
	}
	if v := strings.TrimSpace(flags.sshAddr); v != "" {
		cfg.SSH.Addr = v
	}
	if flags.noWatch {
		cfg.Watcher.Enabled = false
	}
}

func toServerConfig(cfg appconfig.Config) devgate.ServerConfig {
	httpCfg := toHTTPConfig(cfg)
	return devgate.ServerConfig{
		Service: cfg.ServiceConfig(),
		HTTP:    httpCfg,
		SSH: sshserver.Config{
			Addr:        cfg.SSH.Addr,
			HostKeyPath: cfg.SSH.HostKeyPath,
		},
		Terminal: terminal.Config{
			Shell:           cfg.Terminal.Shell,
			Args:            cfg.Terminal.Args,
			Term:            cfg.Terminal.Term,
			Dir:             cfg.UserDir,
			Cols:            uint16(cfg.Terminal.Cols),
			Rows:            uint16(cfg.Terminal.Rows),
			Env:             cfg.Terminal.Env,
			ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
		},
		Browser: browser.Config{
			ExecPath:        cfg.Browser.ExecPath,
			Headless:        cfg.Browser.Headless,
			NoSandbox:       cfg.Browser.NoSandbox,
			LaunchTimeout:   cfg.Browser.LaunchTimeout(),
			NavigateTimeout: cfg.Browser.NavigateTimeout(),
			ChannelURL:      httpapi.ChannelURL(httpCfg),
		},
		Watcher:    devgate.WatcherConfig{Ignore: cfg.Watcher.Ignore},
		QueueDepth: cfg.HTTP.QueueDepth,
	}
}

func toHTTPConfig(cfg appconfig.Config) httpapi.Config {
	return httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		BaseURL:        cfg.HTTP.BaseURL,
		BasePath:       cfg.HTTP.BasePath,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		PreviewPath:    cfg.Browser.ChannelPath,
		MetricsPath:    cfg.HTTP.MetricsPath,
	}
}

// publicURL is the configured base URL, or a localhost URL for the listen port.
func publicURL(cfg appconfig.HTTPConfig) string {
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		return strings.TrimRight(base, "/") + "/" + strings.Trim(cfg.BasePath, "/")
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "http://localhost" + cfg.Addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/" + strings.Trim(cfg.BasePath, "/")
}

func printQR(w io.Writer, url string) {
	_, _ = fmt.Fprintf(w, "%s\n", url)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
}
