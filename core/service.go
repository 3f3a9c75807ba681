package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/devgate/internal/logx"
	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// service implements the session gateway.
type service struct {
	cfg      schema.ServiceConfig
	terminal Terminal
	files    FileStore
	tree     TreeBuilder
	browser  Browser
	observer Observer
	logger   pslog.Logger
}

// NewService constructs the gateway over its collaborators.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Files == nil {
		return nil, errors.New("file store is required")
	}
	if deps.Tree == nil {
		return nil, errors.New("tree builder is required")
	}
	if deps.Browser == nil {
		return nil, errors.New("browser is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &service{
		cfg:      normalized,
		terminal: deps.Terminal,
		files:    deps.Files,
		tree:     deps.Tree,
		browser:  deps.Browser,
		observer: deps.Observer,
		logger:   logger,
	}, nil
}

func (s *service) Dispatch(ctx context.Context, connID schema.ConnID, env schema.Envelope) schema.Result {
	if ctx == nil {
		ctx = pslog.ContextWithLogger(context.Background(), s.logger)
	}
	event := schema.NormalizeEventName(string(env.Event))
	log := logx.WithEvent(logx.WithConn(ctx, connID), event, env.ID)
	start := time.Now()
	err := s.dispatch(ctx, event, env.Data)
	res := schema.NewResult(event, env.ID, err)
	if err != nil {
		log.Warn("gateway event failed", "kind", res.Error.Kind, "err", err, "duration", time.Since(start))
	} else {
		log.Debug("gateway event handled", "duration", time.Since(start))
	}
	if s.observer != nil {
		s.observer.RecordResult(res)
	}
	return res
}

func (s *service) dispatch(ctx context.Context, event schema.EventName, data json.RawMessage) error {
	switch event {
	case schema.EventTerminalWrite:
		input, err := decodeString(data)
		if err != nil {
			return err
		}
		if s.terminal == nil {
			return fmt.Errorf("terminal write: %w", schema.ErrProcessTerminated)
		}
		return s.terminal.Write([]byte(input))
	case schema.EventTerminalResize:
		var req schema.TerminalResizePayload
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if req.Cols == nil || req.Rows == nil {
			return fmt.Errorf("cols and rows are required: %w", schema.ErrInvalidRequest)
		}
		if s.terminal == nil {
			return fmt.Errorf("terminal resize: %w", schema.ErrProcessTerminated)
		}
		return s.terminal.Resize(*req.Cols, *req.Rows)
	case schema.EventFileRename:
		var req schema.FileRenamePayload
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if err := errors.Join(requireField("path", req.Path), requireField("renameTo", req.RenameTo)); err != nil {
			return err
		}
		return s.withTimeout(ctx, func(ctx context.Context) error {
			return s.files.Rename(ctx, req.Path, req.RenameTo)
		})
	case schema.EventFileDelete:
		var req schema.FileDeletePayload
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if err := errors.Join(requireField("path", req.Path), requireField("type", string(req.Type))); err != nil {
			return err
		}
		return s.withTimeout(ctx, func(ctx context.Context) error {
			return s.files.Delete(ctx, req.Path, req.Type)
		})
	case schema.EventFileCreateFolder, schema.EventFileCreateFile:
		var req schema.FilePathPayload
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if err := requireField("path", req.Path); err != nil {
			return err
		}
		return s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			if event == schema.EventFileCreateFolder {
				_, err = s.files.CreateFolder(ctx, req.Path)
			} else {
				_, err = s.files.CreateFile(ctx, req.Path)
			}
			return err
		})
	case schema.EventFileChange:
		var req schema.FileChangePayload
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if err := requireField("path", req.Path); err != nil {
			return err
		}
		return s.withTimeout(ctx, func(ctx context.Context) error {
			return s.files.WriteContent(ctx, req.Path, req.Code)
		})
	case schema.EventMessage:
		msg, err := decodeMessage(data)
		if err != nil {
			return err
		}
		if msg.Action != schema.ActionNavigate {
			pslog.Ctx(ctx).Debug("gateway message ignored", "action", msg.Action)
			return nil
		}
		return s.browser.Navigate(ctx, msg.URL)
	default:
		return fmt.Errorf("unknown event %q: %w", event, schema.ErrInvalidRequest)
	}
}

func (s *service) Tree(ctx context.Context) (schema.TreeNode, error) {
	var node schema.TreeNode
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		built, err := s.tree.Build(ctx, s.cfg.UserDir)
		node = built
		return err
	})
	if err != nil {
		return schema.TreeNode{}, err
	}
	return node, nil
}

func (s *service) ReadFile(ctx context.Context, path string) (string, error) {
	if err := requireField("path", path); err != nil {
		return "", err
	}
	var content string
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		read, err := s.files.ReadContent(ctx, path)
		content = read
		return err
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (s *service) Browse(ctx context.Context, url, port string) string {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.browser.Browse(ctx, url, port)
}

func (s *service) TerminalHistory() []byte {
	if s.terminal == nil {
		return nil
	}
	return s.terminal.History()
}

// withTimeout runs fn under the operation timeout. A stalled fn is abandoned
// and the caller gets the deadline error.
func (s *service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(opCtx) }()
	select {
	case err := <-errCh:
		return err
	case <-opCtx.Done():
		return fmt.Errorf("operation abandoned: %w", opCtx.Err())
	}
}
