package sshserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// detachKey (Ctrl-]) leaves the shared shell running and ends the session.
const detachKey = 0x1d

var errDetached = errors.New("detached")

type attachment struct {
	sess   io.ReadWriter
	term   Terminal
	events <-chan eventbus.Event
}

func newAttachment(sess io.ReadWriter, term Terminal, events <-chan eventbus.Event) *attachment {
	return &attachment{sess: sess, term: term, events: events}
}

// Run mirrors the shared terminal until the client leaves, the shell exits
// or the session is evicted. It returns the SSH exit status.
func (a *attachment) Run(ctx context.Context, win gliderssh.Window, winCh <-chan gliderssh.Window) int {
	log := pslog.Ctx(ctx)
	a.resize(log, win)
	if history := a.term.History(); len(history) > 0 {
		if _, err := a.sess.Write(history); err != nil {
			return 1
		}
	}

	input := make(chan error, 1)
	go func() { input <- a.copyInput() }()

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-input:
			switch {
			case errors.Is(err, errDetached):
				a.notice("detached")
				return 0
			case errors.Is(err, schema.ErrProcessTerminated):
				a.notice("shell has exited")
				return 1
			case err != nil && !errors.Is(err, io.EOF):
				log.Debug("ssh input closed", "err", err)
			}
			return 0
		case w, ok := <-winCh:
			if !ok {
				winCh = nil
				continue
			}
			a.resize(log, w)
		case ev, ok := <-a.events:
			if !ok {
				log.Warn("ssh session evicted", "reason", "slow consumer")
				a.notice("disconnected: slow consumer")
				return 1
			}
			switch ev.Type {
			case eventbus.EventTerminalData:
				if _, err := a.sess.Write(ev.Terminal.Data); err != nil {
					return 1
				}
			case eventbus.EventTerminalExit:
				a.notice(fmt.Sprintf("shell exited with code %d", ev.Exit.ExitCode))
				return 0
			}
		}
	}
}

func (a *attachment) copyInput() error {
	buf := make([]byte, 4096)
	for {
		n, err := a.sess.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if idx := bytes.IndexByte(chunk, detachKey); idx >= 0 {
				if idx > 0 {
					if werr := a.term.Write(chunk[:idx]); werr != nil {
						return werr
					}
				}
				return errDetached
			}
			if werr := a.term.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (a *attachment) resize(log pslog.Logger, win gliderssh.Window) {
	cols, rows := clampDim(win.Width), clampDim(win.Height)
	if cols == 0 || rows == 0 {
		return
	}
	if err := a.term.Resize(cols, rows); err != nil {
		log.Debug("ssh resize ignored", "cols", cols, "rows", rows, "err", err)
	}
}

func (a *attachment) notice(msg string) {
	_, _ = fmt.Fprintf(a.sess, "\r\n[devgate: %s]\r\n", msg)
}

func clampDim(v int) uint16 {
	switch {
	case v <= 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}
