package schema

import (
	"encoding/json"
	"strings"
)

// EventName is the discriminant of every frame on the session channel.
type EventName string

const (
	// Inbound events.
	EventTerminalWrite    EventName = "terminal-write"
	EventTerminalResize   EventName = "terminal-resize"
	EventFileRename       EventName = "file-rename"
	EventFileDelete       EventName = "file-delete"
	EventFileCreateFolder EventName = "file-create-folder"
	EventFileCreateFile   EventName = "file-create-file"
	EventFileChange       EventName = "file-change"
	EventMessage          EventName = "message"

	// Outbound events.
	EventTerminalData EventName = "terminal-data"
	EventTerminalExit EventName = "terminal-exit"
	EventFileRefresh  EventName = "file-refresh"
	EventResult       EventName = "result"
)

// ActionNavigate is the generic message action that re-navigates the preview page.
const ActionNavigate = "navigate"

// NormalizeEventName accepts the colon spelling used by socket.io-era clients
// ("terminal:write") and returns the canonical name.
func NormalizeEventName(name string) EventName {
	return EventName(strings.ReplaceAll(strings.TrimSpace(name), ":", "-"))
}

// Envelope is one frame on the session channel.
type Envelope struct {
	Event EventName       `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is a server-to-client frame.
type OutboundFrame struct {
	Event EventName `json:"event"`
	ID    string    `json:"id,omitempty"`
	Data  any       `json:"data,omitempty"`
	Kind  string    `json:"kind,omitempty"`
}

// TerminalResizePayload carries new terminal dimensions. Both fields are
// required; zero is a valid size.
type TerminalResizePayload struct {
	Cols *uint16 `json:"cols"`
	Rows *uint16 `json:"rows"`
}

// FileRenamePayload carries a rename request.
type FileRenamePayload struct {
	Path     string `json:"path"`
	RenameTo string `json:"renameTo"`
}

// FileDeletePayload carries a delete request.
type FileDeletePayload struct {
	Path string   `json:"path"`
	Type NodeKind `json:"type"`
}

// FilePathPayload carries the parent path of a create request.
type FilePathPayload struct {
	Path string `json:"path"`
}

// FileChangePayload carries a full-content write.
type FileChangePayload struct {
	Path string `json:"path"`
	Code string `json:"code"`
}

// MessagePayload is the generic message envelope; only navigate is routed.
type MessagePayload struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// ErrorPayload describes a failed inbound event.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the explicit outcome of one inbound event, returned to the sender.
type Result struct {
	Event EventName     `json:"event"`
	ID    string        `json:"id,omitempty"`
	OK    bool          `json:"ok"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// NewResult builds a result for the event, classifying err when non-nil.
func NewResult(event EventName, id string, err error) Result {
	res := Result{Event: event, ID: id, OK: err == nil}
	if err != nil {
		res.Error = &ErrorPayload{Kind: ErrorKind(err), Message: err.Error()}
	}
	return res
}
