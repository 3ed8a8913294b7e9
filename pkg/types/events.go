package types

import (
	"encoding/json"
	"time"
)

// EventKind identifies a hub → subscriber event.
type EventKind string

const (
	EventConnection    EventKind = "connection"
	EventTextDelta     EventKind = "text_delta"
	EventThinkingDelta EventKind = "thinking_delta"
	EventThinkingDone  EventKind = "thinking_done"
	EventToolStart     EventKind = "tool_start"
	EventToolOutput    EventKind = "tool_output"
	EventToolEnd       EventKind = "tool_end"
	EventImage         EventKind = "image"
	EventError         EventKind = "error"
	EventDone          EventKind = "done"
	EventState         EventKind = "state"
	EventHistory       EventKind = "history"
	EventProactive     EventKind = "proactive"
)

// Event is the normalized message-of-record published to every subscriber.
type Event struct {
	Type EventKind `json:"type"`
	Data any       `json:"data,omitempty"`
}

// ConnectionData greets a newly registered subscriber.
type ConnectionData struct {
	SubscriberID string `json:"subscriberID"`
	Ownership    string `json:"ownership"` // "none" | "external"
}

// TextDeltaData is one increment of conversational prose.
type TextDeltaData struct {
	Delta string `json:"delta"`
}

// ThinkingDeltaData is one increment of thinking text.
type ThinkingDeltaData struct {
	Delta string `json:"delta"`
}

// ThinkingDoneData carries the complete thinking text for the turn so far.
type ThinkingDoneData struct {
	Text string `json:"text"`
}

// ToolStartData announces a tool call with its derived label.
type ToolStartData struct {
	CallID string `json:"callID"`
	Name   string `json:"name"`
	Label  string `json:"label"`
}

// ToolOutputData carries the displayable (possibly truncated) tool result.
type ToolOutputData struct {
	CallID    string `json:"callID"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ToolEndData closes out a tool call.
type ToolEndData struct {
	CallID  string `json:"callID"`
	Name    string `json:"name"`
	IsError bool   `json:"isError,omitempty"`
}

// ImageData is an image extracted from tool output or from markdown image
// syntax in the final text. Exactly one of Data or URL is set.
type ImageData struct {
	Source   string `json:"source"` // "tool" | "markdown"
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

// ErrorData carries a human-readable subsystem error.
type ErrorData struct {
	Message string `json:"message"`
}

// DoneData is the single durable record emitted at turn completion.
type DoneData struct {
	TurnID       string `json:"turnID"`
	OriginatorID string `json:"originatorID,omitempty"`
	FinalText    string `json:"finalText"`
	Usage        *Usage `json:"usage,omitempty"`
	ToolCount    int    `json:"toolCount,omitempty"`
}

// StateData answers a state query. ContextTokens is nil when the
// session-stats call failed; the rest of the state is still valid.
type StateData struct {
	Model         string       `json:"model,omitempty"`
	Provider      string       `json:"provider,omitempty"`
	ContextTokens *int         `json:"contextTokens,omitempty"`
	Ownership     string       `json:"ownership"`
	Session       *SessionInfo `json:"session,omitempty"`
}

// HistoryData replays completed turns to a late joiner.
type HistoryData struct {
	Records []DoneRecord `json:"records"`
}

// ProactiveData is an out-of-band notice (ownership changes, rotation
// results) forwarded to subscribers.
type ProactiveData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolInvocation is one discrete tool call tracked by the hub during a turn.
// It is created on tool_execution_start, completed at most once on
// tool_execution_end, and never mutated afterward.
type ToolInvocation struct {
	CallID  string          `json:"callID"`
	Name    string          `json:"name"`
	Label   string          `json:"label"`
	Args    json.RawMessage `json:"args,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// DoneRecord is the persisted-in-memory form of a completed turn, served
// by the history query.
type DoneRecord struct {
	TurnID       string    `json:"turnID"`
	OriginatorID string    `json:"originatorID,omitempty"`
	FinalText    string    `json:"finalText"`
	Usage        *Usage    `json:"usage,omitempty"`
	ToolCount    int       `json:"toolCount,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

// SessionInfo reports the state of the session file on disk.
type SessionInfo struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"sizeBytes"`
	Compactions int    `json:"compactions"`
	Archives    int    `json:"archives"`
}
