package devgate

import (
	"context"

	"pkt.systems/devgate/core"
	"pkt.systems/devgate/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnTerminalData(ctx context.Context, data schema.TerminalData) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTerminalData(ctx, data)
	}
}

func (f eventFanout) OnTerminalExit(ctx context.Context, exit schema.TerminalExit) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTerminalExit(ctx, exit)
	}
}

func (f eventFanout) OnFileEvent(ctx context.Context, event schema.FileSystemEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnFileEvent(ctx, event)
	}
}
