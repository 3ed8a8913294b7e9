package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sessionhub/sessionhub/internal/hub"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// wsRequest is one subscriber → hub message.
type wsRequest struct {
	Type   string                  `json:"type"` // prompt | prompt_with_images | abort | get_state | get_history | command
	Text   string                  `json:"text,omitempty"`
	Images []types.ImageAttachment `json:"images,omitempty"`
	// Command selects a control operation when Type is "command":
	// status | model | session | new | takeover.
	Command string `json:"command,omitempty"`
	Args    string `json:"args,omitempty"`
}

// dispatch routes one subscriber request. Replies flow back through the
// subscriber's own event queue; stream events during a prompt reach it
// via the hub broadcast like every other subscriber.
func (s *Server) dispatch(c *wsSubscriber, req wsRequest) {
	switch req.Type {
	case "prompt", "prompt_with_images":
		if req.Text == "" {
			c.sendError("prompt text is required")
			return
		}
		if _, err := s.hub.SendPrompt(req.Text, c.id, req.Images); err != nil {
			if errors.Is(err, hub.ErrTurnActive) {
				c.sendError("a turn is already in flight")
			}
			// Submission failures are already broadcast by the hub.
			return
		}
	case "abort":
		if err := s.hub.Abort(); err != nil {
			c.sendError(fmt.Sprintf("abort failed: %v", err))
		}
	case "get_state":
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		c.sendEvent(types.Event{Type: types.EventState, Data: s.hub.GetState(ctx)})
	case "get_history":
		c.sendEvent(types.Event{Type: types.EventHistory, Data: types.HistoryData{Records: s.hub.History()}})
	case "command":
		s.dispatchCommand(c, req)
	default:
		c.sendError(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

// dispatchCommand handles the control sub-operations.
func (s *Server) dispatchCommand(c *wsSubscriber, req wsRequest) {
	switch req.Command {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		c.sendEvent(types.Event{Type: types.EventState, Data: s.hub.GetState(ctx)})
	case "model":
		s.commandModel(c, strings.TrimSpace(req.Args))
	case "session":
		s.commandSession(c, strings.TrimSpace(req.Args))
	case "new":
		s.commandNew(c)
	case "takeover":
		res := s.arb.KillTUI()
		c.sendProactive("takeover", res.Message)
	default:
		c.sendError(fmt.Sprintf("unknown command %q", req.Command))
	}
}

// commandModel lists available models with no argument and switches the
// active model otherwise.
func (s *Server) commandModel(c *wsSubscriber, args string) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if args == "" {
		resp, err := s.agent.Request(ctx, types.Command{Type: types.CommandGetAvailableModels})
		if err != nil {
			c.sendError(fmt.Sprintf("model list failed: %v", err))
			return
		}
		if !resp.Success {
			c.sendError(fmt.Sprintf("model list failed: %s", resp.Error))
			return
		}
		var data struct {
			Models []string `json:"models"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			c.sendError("model list response unreadable")
			return
		}
		c.sendProactive("models", strings.Join(data.Models, "\n"))
		return
	}

	resp, err := s.agent.Request(ctx, types.Command{Type: types.CommandSetModel, Model: args})
	if err != nil {
		c.sendError(fmt.Sprintf("model switch failed: %v", err))
		return
	}
	if !resp.Success {
		c.sendError(fmt.Sprintf("model switch failed: %s", resp.Error))
		return
	}
	c.sendProactive("model", fmt.Sprintf("model set to %s", args))
}

// commandSession reports session-file facts with no argument and asks the
// subprocess to attach to a different session file otherwise.
func (s *Server) commandSession(c *wsSubscriber, args string) {
	if args == "" {
		info := s.rotator.Info()
		c.sendProactive("session", fmt.Sprintf("session %s (%d bytes, %d compactions, %d archives)",
			info.Path, info.SizeBytes, info.Compactions, info.Archives))
		return
	}

	if s.hub.TurnActive() {
		c.sendError("cannot switch session while a turn is in flight")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := s.agent.SwitchSession(ctx, args); err != nil {
		c.sendError(fmt.Sprintf("session switch failed: %v", err))
		return
	}
	c.sendProactive("session", fmt.Sprintf("switched to session %s", args))
}

// commandNew archives the session and rotates to a fresh one, reporting
// the archive path and any rotation failure as separate facts.
func (s *Server) commandNew(c *wsSubscriber) {
	if s.hub.TurnActive() {
		c.sendError("cannot rotate session while a turn is in flight")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	res := s.rotator.ArchiveAndStartNew(ctx)
	if res.Err != nil {
		if res.ArchivePath != "" {
			c.sendError(fmt.Sprintf("session archived to %s but rotation failed: %v", res.ArchivePath, res.Err))
		} else {
			c.sendError(fmt.Sprintf("session rotation failed: %v", res.Err))
		}
		return
	}
	c.sendProactive("new-session", fmt.Sprintf("session archived to %s, new session started", res.ArchivePath))
}

func (c *wsSubscriber) sendEvent(ev types.Event) {
	if err := c.Send(ev); err != nil {
		logging.Warn().Err(err).Str("subscriber", c.id).Msg("reply send failed")
	}
}

func (c *wsSubscriber) sendProactive(kind, message string) {
	c.sendEvent(types.Event{Type: types.EventProactive, Data: types.ProactiveData{Kind: kind, Message: message}})
}

func (c *wsSubscriber) sendError(message string) {
	c.sendEvent(types.Event{Type: types.EventError, Data: types.ErrorData{Message: message}})
}
