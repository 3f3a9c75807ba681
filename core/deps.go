package core

import (
	"context"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// Terminal is the shared shell.
type Terminal interface {
	Write(p []byte) error
	Resize(cols, rows uint16) error
	History() []byte
}

// FileStore performs file operations confined to the root.
type FileStore interface {
	Rename(ctx context.Context, oldRel, newRel string) error
	Delete(ctx context.Context, rel string, kind schema.NodeKind) error
	CreateFolder(ctx context.Context, parentRel string) (string, error)
	CreateFile(ctx context.Context, parentRel string) (string, error)
	WriteContent(ctx context.Context, rel, content string) error
	ReadContent(ctx context.Context, rel string) (string, error)
}

// TreeBuilder snapshots a directory.
type TreeBuilder interface {
	Build(ctx context.Context, root string) (schema.TreeNode, error)
}

// Browser is the shared preview browser.
type Browser interface {
	Browse(ctx context.Context, url, port string) string
	Navigate(ctx context.Context, url string) error
}

// Observer records dispatch outcomes.
type Observer interface {
	RecordResult(result schema.Result)
}

// ServiceDeps captures the collaborators of the gateway.
type ServiceDeps struct {
	Terminal Terminal
	Files    FileStore
	Tree     TreeBuilder
	Browser  Browser
	Observer Observer
	Logger   pslog.Logger
}
