package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/devgate/internal/appconfig"
	"pkt.systems/pslog"
)

// browserCandidates are probed when browser.exec_path is unset.
var browserCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

type doctorCheck struct {
	name   string
	detail string
	err    error
}

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run devgate diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger.Info("doctor start", "root", cfg.RootDir, "user_dir", cfg.UserDir)
			checks := runDoctor(cfg, exec.LookPath)
			return reportDoctor(cmd.OutOrStdout(), checks)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func runDoctor(cfg appconfig.Config, lookPath func(string) (string, error)) []doctorCheck {
	checks := []doctorCheck{
		checkShell(cfg.Terminal.Shell, lookPath),
		checkBrowser(cfg.Browser.ExecPath, lookPath),
		checkDir("root dir", cfg.RootDir),
		checkDir("user dir", cfg.UserDir),
	}
	if strings.TrimSpace(cfg.SSH.Addr) != "" {
		checks = append(checks, checkDir("ssh host key dir", filepath.Dir(cfg.SSH.HostKeyPath)))
	}
	return checks
}

func reportDoctor(w io.Writer, checks []doctorCheck) error {
	failed := 0
	for _, c := range checks {
		status := "ok"
		detail := c.detail
		if c.err != nil {
			status = "FAIL"
			detail = c.err.Error()
			failed++
		}
		_, _ = fmt.Fprintf(w, "%-5s %-18s %s\n", status, c.name, detail)
	}
	if failed > 0 {
		return fmt.Errorf("doctor: %d check(s) failed", failed)
	}
	return nil
}

func checkShell(shell string, lookPath func(string) (string, error)) doctorCheck {
	c := doctorCheck{name: "shell"}
	path, err := lookPath(shell)
	if err != nil {
		c.err = fmt.Errorf("%s: %w", shell, err)
		return c
	}
	c.detail = path
	return c
}

func checkBrowser(execPath string, lookPath func(string) (string, error)) doctorCheck {
	c := doctorCheck{name: "browser"}
	candidates := browserCandidates
	if strings.TrimSpace(execPath) != "" {
		candidates = []string{execPath}
	}
	for _, candidate := range candidates {
		if path, err := lookPath(candidate); err == nil {
			c.detail = path
			return c
		}
	}
	c.err = fmt.Errorf("none of %s found", strings.Join(candidates, ", "))
	return c
}

func checkDir(name, dir string) doctorCheck {
	c := doctorCheck{name: name, detail: dir}
	info, err := os.Stat(dir)
	if err != nil {
		c.err = err
		return c
	}
	if !info.IsDir() {
		c.err = fmt.Errorf("%s is not a directory", dir)
		return c
	}
	probe, err := os.CreateTemp(dir, ".devgate-doctor-*")
	if err != nil {
		c.err = errors.Join(fmt.Errorf("%s is not writable", dir), err)
		return c
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return c
}
