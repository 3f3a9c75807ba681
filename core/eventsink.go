package core

import (
	"context"

	"pkt.systems/devgate/schema"
)

// EventSink receives the broadcasts produced by the shared resources.
type EventSink interface {
	OnTerminalData(ctx context.Context, data schema.TerminalData)
	OnTerminalExit(ctx context.Context, exit schema.TerminalExit)
	OnFileEvent(ctx context.Context, event schema.FileSystemEvent)
}
