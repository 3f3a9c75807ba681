package core

import (
	"context"

	"pkt.systems/devgate/schema"
)

// Service is the transport-agnostic session gateway shared by every client.
type Service interface {
	// Dispatch routes one inbound event and reports its outcome.
	Dispatch(ctx context.Context, connID schema.ConnID, env schema.Envelope) schema.Result
	// Tree snapshots the user directory.
	Tree(ctx context.Context) (schema.TreeNode, error)
	// ReadFile returns the text of a file below the root.
	ReadFile(ctx context.Context, path string) (string, error)
	// Browse renders url through the shared browser. It never fails.
	Browse(ctx context.Context, url, port string) string
	// TerminalHistory returns the retained terminal output for late joiners.
	TerminalHistory() []byte
}
