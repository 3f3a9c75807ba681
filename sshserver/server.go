package sshserver

import (
	"context"
	"errors"
	"io"
	"net"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/internal/logx"
	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// Terminal is the shared shell an SSH session attaches to.
type Terminal interface {
	Write(p []byte) error
	Resize(cols, rows uint16) error
	History() []byte
}

// Subscriber hands out broadcast queues.
type Subscriber interface {
	Subscribe(id schema.ConnID) (<-chan eventbus.Event, func())
}

// Server attaches SSH sessions to the shared terminal.
type Server struct {
	Addr        string
	HostKeyPath string
	Listener    net.Listener
	Terminal    Terminal
	EventBus    Subscriber
	NewConnID   func() schema.ConnID
	logger      pslog.Logger
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Terminal == nil {
		return errors.New("terminal is required for SSH")
	}

	signer, err := EnsureHostKey(ctx, s.HostKeyPath)
	if err != nil {
		return err
	}

	// No auth handlers: every client is accepted.
	server := &gliderssh.Server{
		Addr:    s.Addr,
		Handler: s.handleSession,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	s.logger.Info("ssh server listening", "addr", s.listenAddr())
	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) listenAddr() string {
	if s.Listener != nil {
		return s.Listener.Addr().String()
	}
	return s.Addr
}

func (s *Server) connID(sess gliderssh.Session) schema.ConnID {
	if s.NewConnID != nil {
		return s.NewConnID()
	}
	return schema.ConnID("ssh-" + sess.Context().SessionID())
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	remote := sess.RemoteAddr().String()
	id := s.connID(sess)
	log = log.With("conn", id, "channel", "ssh", "remote", remote)
	ctx := logx.ContextWithConnLogger(sess.Context(), log, id)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		_ = sess.Exit(1)
		return
	}

	log.Info("ssh session opened", "term", pty.Term, "cols", pty.Window.Width, "rows", pty.Window.Height)
	var events <-chan eventbus.Event
	unsubscribe := func() {}
	if s.EventBus != nil {
		events, unsubscribe = s.EventBus.Subscribe(id)
	}
	defer unsubscribe()

	at := newAttachment(sess, s.Terminal, events)
	code := at.Run(ctx, pty.Window, winCh)
	log.Info("ssh session closed", "exit", code)
	_ = sess.Exit(code)
}
