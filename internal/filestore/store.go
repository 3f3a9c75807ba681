// Package filestore performs file CRUD confined to the container root.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// maxLinkHops bounds symlink expansion while canonicalizing a path.
const maxLinkHops = 40

const (
	// NewFolderName is the name given to folders created by CreateFolder.
	NewFolderName = "NewFolder"
	// NewFileName is the name given to files created by CreateFile.
	NewFileName = "NewFile"
)

// Store resolves client paths under a root and mutates the filesystem.
type Store struct {
	fs      afero.Fs
	root    string
	userDir string
}

// New returns a Store over fs rooted at root. userDir is the target of
// create operations whose parent is "/".
func New(fs afero.Fs, root, userDir string) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	cfg, err := schema.NormalizeServiceConfig(schema.ServiceConfig{RootDir: root, UserDir: userDir})
	if err != nil {
		return nil, err
	}
	return &Store{fs: fs, root: cfg.RootDir, userDir: cfg.UserDir}, nil
}

// Root returns the configured root directory.
func (s *Store) Root() string { return s.root }

// UserDir returns the configured user directory.
func (s *Store) UserDir() string { return s.userDir }

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// Resolve maps a client path onto the root. Paths that leave the root, either
// lexically or through a symlink, fail with schema.ErrPathEscape.
func (s *Store) Resolve(rel string) (string, error) {
	full := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))
	if !schema.WithinRoot(s.root, full) {
		return "", fmt.Errorf("resolve %q: %w", rel, schema.ErrPathEscape)
	}
	root, err := s.canonical(s.root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", errors.Join(schema.ErrIO, err))
	}
	target, err := s.canonical(full)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rel, errors.Join(schema.ErrIO, err))
	}
	if !schema.WithinRoot(root, target) {
		return "", fmt.Errorf("resolve %q: links to %s: %w", rel, target, schema.ErrPathEscape)
	}
	return full, nil
}

// canonical expands symlinks along the existing prefix of p. The part that
// does not exist yet is appended as is. Filesystems without symlink support
// return p unchanged.
func (s *Store) canonical(p string) (string, error) {
	links, ok := s.fs.(afero.Symlinker)
	if !ok {
		return p, nil
	}
	sep := string(filepath.Separator)
	resolved := sep
	rest := splitPath(p)
	hops := 0
	for len(rest) > 0 {
		name := rest[0]
		rest = rest[1:]
		if name == ".." {
			resolved = filepath.Dir(resolved)
			continue
		}
		next := filepath.Join(resolved, name)
		info, _, err := links.LstatIfPossible(next)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.Join(append([]string{next}, rest...)...), nil
			}
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}
		hops++
		if hops > maxLinkHops {
			return "", fmt.Errorf("%s: too many levels of symbolic links", p)
		}
		target, err := links.ReadlinkIfPossible(next)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(resolved, target)
		}
		rest = append(splitPath(target), rest...)
		resolved = sep
	}
	return resolved, nil
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(filepath.Clean(p), string(filepath.Separator)) {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}

func (s *Store) resolveParent(rel string) (string, error) {
	if schema.CleanClientPath(rel) == "/" {
		return s.userDir, nil
	}
	return s.Resolve(rel)
}

// Rename moves oldRel to newRel. The destination must not exist.
func (s *Store) Rename(ctx context.Context, oldRel, newRel string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	src, err := s.Resolve(oldRel)
	if err != nil {
		return err
	}
	dst, err := s.Resolve(newRel)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(src); err != nil {
		return classify("rename "+oldRel, err)
	}
	if _, err := s.fs.Stat(dst); err == nil {
		return fmt.Errorf("rename %s: destination %s exists: %w", oldRel, newRel, schema.ErrConflict)
	} else if !errors.Is(err, os.ErrNotExist) {
		return classify("rename "+oldRel, err)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return classify("rename "+oldRel, err)
	}
	pslog.Ctx(ctx).Debug("file renamed", "from", src, "to", dst)
	return nil
}

// Delete removes rel. Directories are removed recursively. A missing path
// fails with schema.ErrNotFound.
func (s *Store) Delete(ctx context.Context, rel string, kind schema.NodeKind) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	target, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if target == s.root {
		return fmt.Errorf("delete %s: refusing to remove root: %w", rel, schema.ErrInvalidRequest)
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		return classify("delete "+rel, err)
	}
	switch kind {
	case schema.NodeDirectory:
		if !info.IsDir() {
			return fmt.Errorf("delete %s: not a directory: %w", rel, schema.ErrIO)
		}
		err = s.fs.RemoveAll(target)
	case schema.NodeFile:
		if info.IsDir() {
			return fmt.Errorf("delete %s: is a directory: %w", rel, schema.ErrIO)
		}
		err = s.fs.Remove(target)
	default:
		return fmt.Errorf("delete %s: unknown type %q: %w", rel, kind, schema.ErrInvalidRequest)
	}
	if err != nil {
		return classify("delete "+rel, err)
	}
	pslog.Ctx(ctx).Debug("file deleted", "path", target, "type", kind)
	return nil
}

// CreateFolder creates NewFolder under parentRel. Repeated calls succeed.
func (s *Store) CreateFolder(ctx context.Context, parentRel string) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}
	parent, err := s.resolveParent(parentRel)
	if err != nil {
		return "", err
	}
	if err := s.requireDir(parent, parentRel); err != nil {
		return "", err
	}
	target := filepath.Join(parent, NewFolderName)
	if err := s.fs.MkdirAll(target, 0o755); err != nil {
		return "", classify("create folder in "+parentRel, err)
	}
	pslog.Ctx(ctx).Debug("folder created", "path", target)
	return target, nil
}

// CreateFile creates an empty NewFile under parentRel, truncating any existing one.
func (s *Store) CreateFile(ctx context.Context, parentRel string) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}
	parent, err := s.resolveParent(parentRel)
	if err != nil {
		return "", err
	}
	if err := s.requireDir(parent, parentRel); err != nil {
		return "", err
	}
	target := filepath.Join(parent, NewFileName)
	if err := afero.WriteFile(s.fs, target, nil, 0o644); err != nil {
		return "", classify("create file in "+parentRel, err)
	}
	pslog.Ctx(ctx).Debug("file created", "path", target)
	return target, nil
}

// WriteContent replaces the content of rel.
func (s *Store) WriteContent(ctx context.Context, rel, content string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	target, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, errors.Join(schema.ErrIO, err))
	}
	pslog.Ctx(ctx).Debug("file written", "path", target, "bytes", len(content))
	return nil
}

// ReadContent returns the content of rel as text.
func (s *Store) ReadContent(ctx context.Context, rel string) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}
	target, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := s.fs.Stat(target)
	if err != nil {
		return "", classify("read "+rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read %s: is a directory: %w", rel, schema.ErrIO)
	}
	data, err := afero.ReadFile(s.fs, target)
	if err != nil {
		return "", classify("read "+rel, err)
	}
	return string(data), nil
}

func (s *Store) requireDir(dir, rel string) error {
	info, err := s.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("parent %s: %w", rel, errors.Join(schema.ErrIO, schema.ErrNotFound, err))
		}
		return fmt.Errorf("parent %s: %w", rel, errors.Join(schema.ErrIO, err))
	}
	if !info.IsDir() {
		return fmt.Errorf("parent %s: not a directory: %w", rel, schema.ErrIO)
	}
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, errors.Join(schema.ErrNotFound, err))
	}
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", op, errors.Join(schema.ErrConflict, err))
	}
	return fmt.Errorf("%s: %w", op, errors.Join(schema.ErrIO, err))
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
