package logx

import (
	"context"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	connKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithConn annotates the logger with the connection id if present.
func WithConn(ctx context.Context, connID schema.ConnID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if connID != "" {
		if current, ok := ctx.Value(connKey).(schema.ConnID); ok && current == connID {
			return log
		}
		log = log.With("conn", connID)
	}
	return log
}

// WithEvent annotates the logger with an inbound event name and request id.
func WithEvent(log pslog.Logger, event schema.EventName, id string) pslog.Logger {
	if event != "" {
		log = log.With("event", event)
	}
	if id != "" {
		log = log.With("request_id", id)
	}
	return log
}

// ContextWithConn stores the connection marker on the context for log de-duplication.
func ContextWithConn(ctx context.Context, connID schema.ConnID) context.Context {
	if ctx == nil || connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connKey, connID)
}

// ContextWithConnLogger attaches the logger and connection marker to the context.
func ContextWithConnLogger(ctx context.Context, log pslog.Logger, connID schema.ConnID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithConn(ctx, connID)
}

// ConnFromContext returns the connection marker stored on the context.
func ConnFromContext(ctx context.Context) schema.ConnID {
	if ctx == nil {
		return ""
	}
	connID, _ := ctx.Value(connKey).(schema.ConnID)
	return connID
}
