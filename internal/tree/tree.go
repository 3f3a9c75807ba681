// Package tree builds identifier-bearing snapshots of a directory.
package tree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

const (
	dirPrefix  = "d-"
	filePrefix = "f-"
)

// IDFunc returns a fresh identifier. Ids only need to be unique within one snapshot.
type IDFunc func() string

// NewID returns a compact random identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Builder walks directories on an afero filesystem.
type Builder struct {
	fs    afero.Fs
	newID IDFunc
}

// Option customizes a Builder.
type Option func(*Builder)

// WithIDFunc overrides the identifier generator.
func WithIDFunc(fn IDFunc) Option {
	return func(b *Builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// NewBuilder returns a Builder over fs. A nil fs uses the OS filesystem.
func NewBuilder(fs afero.Fs, opts ...Option) *Builder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	b := &Builder{fs: fs, newID: NewID}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build walks root depth-first and returns a fresh snapshot. Any unreadable
// entry aborts the whole snapshot.
func (b *Builder) Build(ctx context.Context, root string) (schema.TreeNode, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	root = filepath.Clean(root)
	info, err := b.fs.Stat(root)
	if err != nil {
		return schema.TreeNode{}, wrapErr("stat "+root, err)
	}
	if !info.IsDir() {
		return schema.TreeNode{}, fmt.Errorf("tree root %s is not a directory: %w", root, schema.ErrIO)
	}
	node, err := b.walkDir(ctx, root, filepath.Base(root))
	if err != nil {
		pslog.Ctx(ctx).Warn("tree build failed", "root", root, "err", err)
		return schema.TreeNode{}, err
	}
	return node, nil
}

// Build walks root on the OS filesystem with default ids.
func Build(ctx context.Context, root string) (schema.TreeNode, error) {
	return NewBuilder(nil).Build(ctx, root)
}

func (b *Builder) walkDir(ctx context.Context, dir, name string) (schema.TreeNode, error) {
	if err := ctx.Err(); err != nil {
		return schema.TreeNode{}, err
	}
	entries, err := afero.ReadDir(b.fs, dir)
	if err != nil {
		return schema.TreeNode{}, wrapErr("read dir "+dir, err)
	}
	children := make([]schema.TreeNode, 0, len(entries))
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		// Re-stat so entries removed after listing surface as errors.
		info, err := b.fs.Stat(full)
		if err != nil {
			return schema.TreeNode{}, wrapErr("stat "+full, err)
		}
		if info.IsDir() {
			child, err := b.walkDir(ctx, full, entry.Name())
			if err != nil {
				return schema.TreeNode{}, err
			}
			children = append(children, child)
			continue
		}
		children = append(children, schema.NewFileNode(filePrefix+b.newID(), entry.Name()))
	}
	return schema.NewDirNode(dirPrefix+b.newID(), name, children), nil
}

func wrapErr(op string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, errors.Join(schema.ErrIO, schema.ErrNotFound, err))
	}
	return fmt.Errorf("%s: %w", op, errors.Join(schema.ErrIO, err))
}
