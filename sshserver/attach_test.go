package sshserver

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/schema"
)

type fakeTerminal struct {
	mu       sync.Mutex
	writes   bytes.Buffer
	sizes    [][2]uint16
	history  []byte
	writeErr error
}

func (f *fakeTerminal) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes.Write(p)
	return nil
}

func (f *fakeTerminal) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeTerminal) History() []byte {
	return f.history
}

func (f *fakeTerminal) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.String()
}

func (f *fakeTerminal) lastSize() [2]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sizes) == 0 {
		return [2]uint16{}
	}
	return f.sizes[len(f.sizes)-1]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type pipeSession struct {
	io.Reader
	io.Writer
}

func newPipeSession(t *testing.T) (*pipeSession, *io.PipeWriter, *syncBuffer) {
	t.Helper()
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	t.Cleanup(func() { _ = pw.Close() })
	return &pipeSession{Reader: pr, Writer: out}, pw, out
}

func runAttachment(t *testing.T, at *attachment, win gliderssh.Window, winCh <-chan gliderssh.Window) <-chan int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- at.Run(context.Background(), win, winCh) }()
	return done
}

func waitCode(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatalf("attachment did not finish")
		return -1
	}
}

func TestAttachmentReplaysHistoryAndMirrorsOutput(t *testing.T) {
	sess, _, out := newPipeSession(t)
	term := &fakeTerminal{history: []byte("earlier$ ")}
	events := make(chan eventbus.Event, 4)
	events <- eventbus.Event{Type: eventbus.EventFileRefresh, File: schema.FileSystemEvent{Kind: schema.FSAdd, Path: "/x"}}
	events <- eventbus.Event{Type: eventbus.EventTerminalData, Terminal: schema.TerminalData{Data: []byte("live")}}
	events <- eventbus.Event{Type: eventbus.EventTerminalExit, Exit: schema.TerminalExit{ExitCode: 0}}

	code := waitCode(t, runAttachment(t, newAttachment(sess, term, events), gliderssh.Window{Width: 80, Height: 24}, nil))
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	got := out.String()
	if !strings.HasPrefix(got, "earlier$ live") || !strings.Contains(got, "shell exited with code 0") {
		t.Fatalf("unexpected output %q", got)
	}
	if strings.Contains(got, "/x") {
		t.Fatalf("file events must not reach the terminal: %q", got)
	}
	if term.lastSize() != [2]uint16{80, 24} {
		t.Fatalf("expected initial resize, got %v", term.lastSize())
	}
}

func TestAttachmentForwardsInputUntilDetach(t *testing.T) {
	sess, in, out := newPipeSession(t)
	term := &fakeTerminal{}
	done := runAttachment(t, newAttachment(sess, term, nil), gliderssh.Window{}, nil)

	go func() {
		_, _ = in.Write([]byte("ls\n"))
		_, _ = in.Write([]byte("ab\x1dcd"))
	}()
	if code := waitCode(t, done); code != 0 {
		t.Fatalf("expected exit 0 on detach, got %d", code)
	}
	if got := term.written(); got != "ls\nab" {
		t.Fatalf("unexpected forwarded input %q", got)
	}
	if !strings.Contains(out.String(), "detached") {
		t.Fatalf("expected detach notice, got %q", out.String())
	}
}

func TestAttachmentAppliesWindowChanges(t *testing.T) {
	sess, in, _ := newPipeSession(t)
	term := &fakeTerminal{}
	winCh := make(chan gliderssh.Window, 1)
	done := runAttachment(t, newAttachment(sess, term, nil), gliderssh.Window{Width: 80, Height: 24}, winCh)

	winCh <- gliderssh.Window{Width: 120, Height: 40}
	deadline := time.Now().Add(5 * time.Second)
	for term.lastSize() != [2]uint16{120, 40} {
		if time.Now().After(deadline) {
			t.Fatalf("resize not applied, last %v", term.lastSize())
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = in.Close()
	waitCode(t, done)
}

func TestAttachmentEvictionEndsSession(t *testing.T) {
	sess, _, out := newPipeSession(t)
	events := make(chan eventbus.Event)
	close(events)
	code := waitCode(t, runAttachment(t, newAttachment(sess, &fakeTerminal{}, events), gliderssh.Window{}, nil))
	if code != 1 || !strings.Contains(out.String(), "slow consumer") {
		t.Fatalf("expected eviction notice, got %d %q", code, out.String())
	}
}

func TestAttachmentReportsTerminatedShell(t *testing.T) {
	sess, in, out := newPipeSession(t)
	term := &fakeTerminal{writeErr: schema.ErrProcessTerminated}
	done := runAttachment(t, newAttachment(sess, term, nil), gliderssh.Window{}, nil)
	go func() { _, _ = in.Write([]byte("x")) }()
	if code := waitCode(t, done); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "shell has exited") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestClampDim(t *testing.T) {
	if clampDim(-1) != 0 || clampDim(80) != 80 || clampDim(1<<20) != 65535 {
		t.Fatalf("unexpected clamp results")
	}
}
