package schema

// ConnID identifies one connected client channel.
type ConnID string

// NodeKind distinguishes directories from regular files in client payloads.
type NodeKind string

const (
	// NodeDirectory marks a directory entry.
	NodeDirectory NodeKind = "directory"
	// NodeFile marks a regular file entry.
	NodeFile NodeKind = "file"
)

// TreeNode is one entry of a directory snapshot. Children is nil for files
// and non-nil (possibly empty) for directories.
type TreeNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Children *[]TreeNode `json:"children,omitempty"`
}

// IsDir reports whether the node describes a directory.
func (n TreeNode) IsDir() bool {
	return n.Children != nil
}

// ChildNodes returns the children of a directory node, or nil for files.
func (n TreeNode) ChildNodes() []TreeNode {
	if n.Children == nil {
		return nil
	}
	return *n.Children
}

// NewDirNode builds a directory node.
func NewDirNode(id, name string, children []TreeNode) TreeNode {
	if children == nil {
		children = []TreeNode{}
	}
	return TreeNode{ID: id, Name: name, Children: &children}
}

// NewFileNode builds a regular file node.
func NewFileNode(id, name string) TreeNode {
	return TreeNode{ID: id, Name: name}
}

// FSEventKind names a filesystem change.
type FSEventKind string

const (
	FSAdd       FSEventKind = "add"
	FSChange    FSEventKind = "change"
	FSUnlink    FSEventKind = "unlink"
	FSAddDir    FSEventKind = "addDir"
	FSUnlinkDir FSEventKind = "unlinkDir"
)

// FileSystemEvent is emitted by the watcher and forwarded to every client.
type FileSystemEvent struct {
	Kind FSEventKind `json:"kind"`
	Path string      `json:"path"`
}

// TerminalData is a chunk of shared terminal output.
type TerminalData struct {
	Data []byte
}

// TerminalExit is emitted once when the shared shell process exits.
type TerminalExit struct {
	Pid      int
	ExitCode int
	Err      string
}

// TerminalState is the lifecycle state of the shared terminal.
type TerminalState int

const (
	TerminalUninitialized TerminalState = iota
	TerminalRunning
	TerminalTerminated
)

func (s TerminalState) String() string {
	switch s {
	case TerminalRunning:
		return "running"
	case TerminalTerminated:
		return "terminated"
	default:
		return "uninitialized"
	}
}
