// Package types defines the wire protocol spoken with the agent subprocess
// and the event vocabulary broadcast to subscribers.
package types

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies a supervisor → subprocess command.
type CommandType string

const (
	CommandPrompt             CommandType = "prompt"
	CommandAbort              CommandType = "abort"
	CommandGetState           CommandType = "get_state"
	CommandGetAvailableModels CommandType = "get_available_models"
	CommandSetModel           CommandType = "set_model"
	CommandGetSessionStats    CommandType = "get_session_stats"
	CommandNewSession         CommandType = "new_session"
	CommandSwitchSession      CommandType = "switch_session"
)

// Command is one supervisor → subprocess message, written as a single
// JSON line on the subprocess's stdin.
type Command struct {
	Type CommandType `json:"type"`
	ID   string      `json:"id,omitempty"`

	// prompt
	Text   string            `json:"text,omitempty"`
	Images []ImageAttachment `json:"images,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// switch_session
	SessionPath string `json:"sessionPath,omitempty"`
}

// ImageAttachment is a base64-encoded image carried with a prompt.
type ImageAttachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Response is the subprocess's reply to a Command carrying an ID.
type Response struct {
	Type    string          `json:"type"` // always "response"
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Usage holds token counters reported by the subprocess per message.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead"`
	CacheWrite int `json:"cacheWrite"`
}

// AgentMessage is one entry of the message list carried by agent_end.
// Content is opaque to the supervisor.
type AgentMessage struct {
	Role    string          `json:"role"`
	Usage   *Usage          `json:"usage,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// AgentEvent is the closed set of events observed from the subprocess.
// The sealed marker forces dispatch sites through a type switch over the
// variants below; adding a variant breaks every switch with a default-free
// exhaustive match until it is handled.
type AgentEvent interface {
	agentEvent()
}

// ToolExecutionStart signals that the agent began a tool call.
type ToolExecutionStart struct {
	CallID string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolExecutionUpdate carries streaming partial output for an open tool call.
type ToolExecutionUpdate struct {
	CallID  string          `json:"id"`
	Partial json.RawMessage `json:"partial,omitempty"`
}

// ToolExecutionEnd carries the final result of a tool call.
type ToolExecutionEnd struct {
	CallID  string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// TextDelta is one increment of assistant prose.
type TextDelta struct {
	Delta string `json:"delta"`
}

// TextDone carries the full prose text of the current assistant message.
type TextDone struct {
	Text string `json:"text"`
}

// ThinkingDelta is one increment of extended-thinking text.
type ThinkingDelta struct {
	Delta string `json:"delta"`
}

// ThinkingDone carries the full thinking text of the current message.
type ThinkingDone struct {
	Text string `json:"text"`
}

// AgentEnd terminates a turn. Messages is the subprocess's view of the
// conversation; usage for the turn is read from the last assistant entry
// that carries counters.
type AgentEnd struct {
	Messages []AgentMessage `json:"messages,omitempty"`
}

// CompactionStart signals the subprocess is about to compact the session
// file in place.
type CompactionStart struct{}

// CompactionEnd signals compaction finished.
type CompactionEnd struct{}

// Exit is synthesized by the process client when the subprocess exits; it
// never appears on the wire.
type Exit struct {
	Code int
}

// DecodeError is synthesized for a line that could not be decoded.
type DecodeError struct {
	Line string
	Err  string
}

func (*ToolExecutionStart) agentEvent()  {}
func (*ToolExecutionUpdate) agentEvent() {}
func (*ToolExecutionEnd) agentEvent()    {}
func (*TextDelta) agentEvent()           {}
func (*TextDone) agentEvent()            {}
func (*ThinkingDelta) agentEvent()       {}
func (*ThinkingDone) agentEvent()        {}
func (*AgentEnd) agentEvent()            {}
func (*CompactionStart) agentEvent()     {}
func (*CompactionEnd) agentEvent()       {}
func (*Exit) agentEvent()                {}
func (*DecodeError) agentEvent()         {}
func (*Response) agentEvent()            {}

// envelope is the minimal shape every subprocess line shares.
type envelope struct {
	Type   string          `json:"type"`
	Update json.RawMessage `json:"update,omitempty"`
}

// updateEnvelope is the nested discriminator inside message_update.
type updateEnvelope struct {
	Type string `json:"type"`
}

// DecodeAgentLine decodes one subprocess output line into a typed event.
// It never fails: lines that cannot be decoded yield a *DecodeError so the
// reader loop can log and move on.
func DecodeAgentLine(line []byte) AgentEvent {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return &DecodeError{Line: string(line), Err: err.Error()}
	}

	switch env.Type {
	case "response":
		return decodeInto(line, &Response{})
	case "message_update":
		return decodeMessageUpdate(env.Update)
	case "tool_execution_start":
		return decodeInto(line, &ToolExecutionStart{})
	case "tool_execution_update":
		return decodeInto(line, &ToolExecutionUpdate{})
	case "tool_execution_end":
		return decodeInto(line, &ToolExecutionEnd{})
	case "agent_end":
		return decodeInto(line, &AgentEnd{})
	case "auto_compaction_start":
		return &CompactionStart{}
	case "auto_compaction_end":
		return &CompactionEnd{}
	default:
		return &DecodeError{Line: string(line), Err: fmt.Sprintf("unknown event type %q", env.Type)}
	}
}

func decodeMessageUpdate(update json.RawMessage) AgentEvent {
	if len(update) == 0 {
		return &DecodeError{Line: "", Err: "message_update without update payload"}
	}
	var env updateEnvelope
	if err := json.Unmarshal(update, &env); err != nil {
		return &DecodeError{Line: string(update), Err: err.Error()}
	}
	switch env.Type {
	case "text_delta":
		return decodeInto(update, &TextDelta{})
	case "text_done":
		return decodeInto(update, &TextDone{})
	case "thinking_delta":
		return decodeInto(update, &ThinkingDelta{})
	case "thinking_done":
		return decodeInto(update, &ThinkingDone{})
	default:
		return &DecodeError{Line: string(update), Err: fmt.Sprintf("unknown message_update type %q", env.Type)}
	}
}

func decodeInto(data []byte, ev AgentEvent) AgentEvent {
	if err := json.Unmarshal(data, ev); err != nil {
		return &DecodeError{Line: string(data), Err: err.Error()}
	}
	return ev
}
