// Package terminal owns the shared shell process and its pseudo-terminal.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

const (
	defaultShell    = "/bin/bash"
	defaultTerm     = "xterm-color"
	defaultCols     = 150
	defaultRows     = 30
	readBufferSize  = 32 * 1024
	closeWaitPeriod = 5 * time.Second
)

// Config describes the shell to spawn.
type Config struct {
	Shell           string
	Args            []string
	Term            string
	Dir             string
	Cols            uint16
	Rows            uint16
	Env             map[string]string
	ScrollbackBytes int
}

// Sink receives terminal output and the exit notice.
type Sink interface {
	OnTerminalData(ctx context.Context, data schema.TerminalData)
	OnTerminalExit(ctx context.Context, exit schema.TerminalExit)
}

// Bridge bridges one shell process to every connected client.
type Bridge struct {
	ctx     context.Context
	cmd     *exec.Cmd
	ptmx    *os.File
	sink    Sink
	history *scrollback

	writeMu sync.Mutex

	mu    sync.RWMutex
	state schema.TerminalState
	cols  uint16
	rows  uint16
	exit  schema.TerminalExit
	err   error

	done chan struct{}
}

// Start spawns the shell on a new pseudo-terminal and begins forwarding its output.
func Start(ctx context.Context, cfg Config, sink Sink) (*Bridge, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = normalize(cfg)
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return nil, fmt.Errorf("start shell %s: %w", cfg.Shell, errors.Join(schema.ErrIO, err))
	}
	b := &Bridge{
		ctx:     ctx,
		cmd:     cmd,
		ptmx:    ptmx,
		sink:    sink,
		history: newScrollback(cfg.ScrollbackBytes),
		state:   schema.TerminalRunning,
		cols:    cfg.Cols,
		rows:    cfg.Rows,
		done:    make(chan struct{}),
	}
	pslog.Ctx(ctx).Info("terminal started", "shell", cfg.Shell, "pid", cmd.Process.Pid, "dir", cfg.Dir, "cols", cfg.Cols, "rows", cfg.Rows)
	go b.readLoop()
	return b, nil
}

func normalize(cfg Config) Config {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.Term == "" {
		cfg.Term = defaultTerm
	}
	if cfg.Cols == 0 {
		cfg.Cols = defaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = defaultRows
	}
	return cfg
}

func buildEnv(cfg Config) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "TERM="+cfg.Term)
	for key, value := range cfg.Env {
		env = append(env, key+"="+value)
	}
	return env
}

func (b *Bridge) readLoop() {
	log := pslog.Ctx(b.ctx)
	buf := make([]byte, readBufferSize)
	var carry runeCarry
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			b.emit(carry.Feed(buf[:n]))
		}
		if err != nil {
			b.emit(carry.Flush())
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("terminal read ended", "err", err)
			}
			break
		}
	}
	b.finish()
}

func (b *Bridge) emit(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	b.history.Append(chunk)
	if b.sink != nil {
		b.sink.OnTerminalData(b.ctx, schema.TerminalData{Data: chunk})
	}
}

func (b *Bridge) finish() {
	waitErr := b.cmd.Wait()
	exit := schema.TerminalExit{Pid: b.cmd.Process.Pid}
	if state := b.cmd.ProcessState; state != nil {
		exit.ExitCode = state.ExitCode()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			exit.Err = waitErr.Error()
		}
	}
	_ = b.ptmx.Close()

	b.mu.Lock()
	b.state = schema.TerminalTerminated
	b.exit = exit
	b.err = waitErr
	b.mu.Unlock()
	close(b.done)

	pslog.Ctx(b.ctx).Info("terminal exited", "pid", exit.Pid, "exit_code", exit.ExitCode)
	if b.sink != nil {
		b.sink.OnTerminalExit(b.ctx, exit)
	}
}

// Write forwards raw bytes to the shell. Each call's bytes reach the process
// contiguously.
func (b *Bridge) Write(p []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.State() != schema.TerminalRunning {
		return fmt.Errorf("terminal write: %w", schema.ErrProcessTerminated)
	}
	for len(p) > 0 {
		n, err := b.ptmx.Write(p)
		if err != nil {
			if b.State() != schema.TerminalRunning || errors.Is(err, os.ErrClosed) {
				return fmt.Errorf("terminal write: %w", schema.ErrProcessTerminated)
			}
			return fmt.Errorf("terminal write: %w", errors.Join(schema.ErrIO, err))
		}
		p = p[n:]
	}
	return nil
}

// Resize changes the terminal dimensions. Values are forwarded unvalidated.
func (b *Bridge) Resize(cols, rows uint16) error {
	if b.State() != schema.TerminalRunning {
		return fmt.Errorf("terminal resize: %w", schema.ErrProcessTerminated)
	}
	conn, err := b.ptmx.SyscallConn()
	if err != nil {
		return fmt.Errorf("terminal resize: %w", errors.Join(schema.ErrIO, err))
	}
	var ioctlErr error
	if err := conn.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, &unix.Winsize{Col: cols, Row: rows})
	}); err != nil {
		return fmt.Errorf("terminal resize: %w", schema.ErrProcessTerminated)
	}
	if ioctlErr != nil {
		return fmt.Errorf("terminal resize: %w", errors.Join(schema.ErrIO, ioctlErr))
	}
	b.mu.Lock()
	b.cols = cols
	b.rows = rows
	b.mu.Unlock()
	return nil
}

// Size returns the last applied dimensions.
func (b *Bridge) Size() (cols, rows uint16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cols, b.rows
}

// Pid returns the shell process id.
func (b *Bridge) Pid() int {
	return b.cmd.Process.Pid
}

// State returns the lifecycle state.
func (b *Bridge) State() schema.TerminalState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Done is closed once the shell has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Exit returns the exit notice once Done is closed.
func (b *Bridge) Exit() schema.TerminalExit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exit
}

// ExitErr returns the wait error of the shell, if any.
func (b *Bridge) ExitErr() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// History returns the retained scrollback.
func (b *Bridge) History() []byte {
	return b.history.Snapshot()
}

// Close kills the shell and waits for the reader to finish.
func (b *Bridge) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	select {
	case <-b.done:
	case <-time.After(closeWaitPeriod):
		_ = b.ptmx.Close()
		<-b.done
	}
	return nil
}
