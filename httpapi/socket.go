package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/devgate/core"
	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/internal/logx"
	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// slowConsumerReason is sent in the close frame of an evicted connection.
const slowConsumerReason = "slow consumer"

// browserQueue bounds the browser events a connection may have waiting.
const browserQueue = 8

type wsConn struct {
	id      schema.ConnID
	kind    channelKind
	ws      *websocket.Conn
	frames  chan schema.OutboundFrame
	browser chan schema.Envelope
	done    chan struct{}
	written chan struct{}
	once    sync.Once
}

func newWSConn(id schema.ConnID, kind channelKind, ws *websocket.Conn, depth int) *wsConn {
	return &wsConn{
		id:      id,
		kind:    kind,
		ws:      ws,
		frames:  make(chan schema.OutboundFrame, depth),
		browser: make(chan schema.Envelope, browserQueue),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// reply queues a frame for the writer; it blocks only this connection's reader.
func (c *wsConn) reply(frame schema.OutboundFrame) bool {
	select {
	case c.frames <- frame:
		return true
	case <-c.done:
		return false
	}
}

type terminalExitPayload struct {
	Pid      int    `json:"pid"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

type previewGreeting struct {
	Message string `json:"message"`
	Port    string `json:"port,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, channelSession)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, channelPreview)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, kind channelKind) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("websocket upgrade failed", "channel", kind, "err", err)
		return
	}
	id := core.NewConnID()
	log := pslog.Ctx(r.Context()).With("conn", id, "channel", kind, "remote", clientIP(r))
	ctx := logx.ContextWithConnLogger(r.Context(), log, id)
	c := newWSConn(id, kind, ws, s.cfg.ResultQueue)

	var events <-chan eventbus.Event
	unsubscribe := func() {}
	var greeting []schema.OutboundFrame
	switch kind {
	case channelSession:
		// Subscribe before snapshotting history so no chunk falls between them.
		if s.bus != nil {
			events, unsubscribe = s.bus.Subscribe(id)
		}
		if history := s.service.TerminalHistory(); len(history) > 0 {
			greeting = append(greeting, schema.OutboundFrame{Event: schema.EventTerminalData, Data: string(history)})
		}
	case channelPreview:
		greeting = append(greeting, schema.OutboundFrame{
			Event: schema.EventMessage,
			Data:  previewGreeting{Message: "preview channel connected", Port: r.URL.Query().Get("port")},
		})
	}

	s.hub.add(c)
	if s.observer != nil {
		s.observer.ConnectionOpened()
	}
	log.Info("websocket connected", "connections", s.hub.Count())
	defer func() {
		c.close()
		<-c.written
		unsubscribe()
		s.hub.remove(id)
		if s.observer != nil {
			s.observer.ConnectionClosed()
		}
		log.Info("websocket disconnected", "connections", s.hub.Count())
	}()

	go s.writePump(ctx, c, events, greeting)
	if kind == channelSession {
		go s.browserPump(ctx, c)
	}
	s.readPump(ctx, c)
}

func (s *Server) readPump(ctx context.Context, c *wsConn) {
	log := pslog.Ctx(ctx)
	c.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", "err", err)
			} else {
				log.Debug("websocket read closed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.kind != channelSession {
			log.Debug("preview frame ignored", "bytes", len(data))
			continue
		}
		env, err := decodeFrame(data)
		if err != nil {
			log.Warn("websocket frame rejected", "err", err)
			if !c.reply(resultFrame(schema.NewResult("", "", err))) {
				return
			}
			continue
		}
		if usesBrowser(env) {
			select {
			case c.browser <- env:
				continue
			case <-c.done:
				return
			}
		}
		if !c.reply(resultFrame(s.service.Dispatch(ctx, c.id, env))) {
			return
		}
	}
}

// browserPump dispatches browser events in order, off the read loop, so a
// navigate waiting on a long browse does not hold up terminal input.
func (s *Server) browserPump(ctx context.Context, c *wsConn) {
	for {
		select {
		case env := <-c.browser:
			if !c.reply(resultFrame(s.service.Dispatch(ctx, c.id, env))) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func decodeFrame(data []byte) (schema.Envelope, error) {
	var env schema.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return schema.Envelope{}, fmt.Errorf("%w: malformed frame: %v", schema.ErrInvalidRequest, err)
	}
	return env, nil
}

func usesBrowser(env schema.Envelope) bool {
	return schema.NormalizeEventName(string(env.Event)) == schema.EventMessage
}

func (s *Server) writePump(ctx context.Context, c *wsConn, events <-chan eventbus.Event, greeting []schema.OutboundFrame) {
	log := pslog.Ctx(ctx)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
		close(c.written)
	}()
	for _, frame := range greeting {
		if err := s.writeFrame(c, frame); err != nil {
			log.Debug("websocket write failed", "err", err)
			return
		}
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				log.Warn("websocket evicted", "reason", slowConsumerReason)
				s.writeClose(c, websocket.CloseTryAgainLater, slowConsumerReason)
				return
			}
			if err := s.writeFrame(c, eventFrame(ev)); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
		case frame := <-c.frames:
			if err := s.writeFrame(c, frame); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("websocket ping failed", "err", err)
				return
			}
		case <-ctx.Done():
			s.writeClose(c, websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.done:
			s.writeClose(c, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *Server) writeFrame(c *wsConn, frame schema.OutboundFrame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return c.ws.WriteJSON(frame)
}

func (s *Server) writeClose(c *wsConn, code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func resultFrame(res schema.Result) schema.OutboundFrame {
	return schema.OutboundFrame{Event: schema.EventResult, ID: res.ID, Data: res}
}

func eventFrame(ev eventbus.Event) schema.OutboundFrame {
	switch ev.Type {
	case eventbus.EventFileRefresh:
		return schema.OutboundFrame{Event: schema.EventFileRefresh, Data: ev.File.Path, Kind: string(ev.File.Kind)}
	case eventbus.EventTerminalExit:
		return schema.OutboundFrame{Event: schema.EventTerminalExit, Data: terminalExitPayload{
			Pid:      ev.Exit.Pid,
			ExitCode: ev.Exit.ExitCode,
			Error:    ev.Exit.Err,
		}}
	default:
		return schema.OutboundFrame{Event: schema.EventTerminalData, Data: string(ev.Terminal.Data)}
	}
}
