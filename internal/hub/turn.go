package hub

import (
	"strings"
	"time"

	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// turn holds the accumulation state for one prompt/response cycle. It is
// owned by the Hub, mutated only under the Hub's lock, and knows nothing
// about transports or the process boundary, so the classification state
// machine is testable in isolation.
type turn struct {
	id           string
	originatorID string
	startedAt    time.Time

	prose      strings.Builder
	thinking   strings.Builder
	proseStart int
	toolActive bool

	open      map[string]*types.ToolInvocation
	completed int
}

func newTurn(id, originatorID string) *turn {
	return &turn{
		id:           id,
		originatorID: originatorID,
		startedAt:    time.Now().UTC(),
		open:         make(map[string]*types.ToolInvocation),
	}
}

// handle classifies one agent event, folds it into the turn state, and
// returns the events to broadcast. On agent_end it also returns the done
// record for the completed turn; the caller discards the turn afterwards.
func (t *turn) handle(ev types.AgentEvent) ([]types.Event, *types.DoneRecord) {
	switch ev := ev.(type) {
	case *types.ToolExecutionStart:
		return t.onToolStart(ev), nil
	case *types.ToolExecutionUpdate:
		// Partial tool output is not part of the subscriber vocabulary.
		return nil, nil
	case *types.ToolExecutionEnd:
		return t.onToolEnd(ev), nil
	case *types.TextDelta:
		return t.onTextDelta(ev), nil
	case *types.TextDone:
		// The delta stream is authoritative for accumulation.
		return nil, nil
	case *types.ThinkingDelta:
		t.thinking.WriteString(ev.Delta)
		return []types.Event{{Type: types.EventThinkingDelta, Data: types.ThinkingDeltaData{Delta: ev.Delta}}}, nil
	case *types.ThinkingDone:
		text := ev.Text
		if text == "" {
			text = t.thinking.String()
		}
		// A later thinking block starts its own accumulation.
		t.thinking.Reset()
		return []types.Event{{Type: types.EventThinkingDone, Data: types.ThinkingDoneData{Text: text}}}, nil
	case *types.AgentEnd:
		return t.onAgentEnd(ev)
	case *types.Response, *types.CompactionStart, *types.CompactionEnd, *types.Exit, *types.DecodeError:
		// Not turn-scoped; handled elsewhere.
		return nil, nil
	}
	return nil, nil
}

func (t *turn) onToolStart(ev *types.ToolExecutionStart) []types.Event {
	label := toolLabel(ev.Name, ev.Args)
	t.open[ev.CallID] = &types.ToolInvocation{
		CallID: ev.CallID,
		Name:   ev.Name,
		Label:  label,
		Args:   ev.Args,
	}
	t.toolActive = true

	logging.Debug().
		Str("turn", t.id).
		Str("call", ev.CallID).
		Str("tool", ev.Name).
		Str("label", label).
		Msg("tool execution started")

	return []types.Event{{
		Type: types.EventToolStart,
		Data: types.ToolStartData{CallID: ev.CallID, Name: ev.Name, Label: label},
	}}
}

func (t *turn) onToolEnd(ev *types.ToolExecutionEnd) []types.Event {
	inv, ok := t.open[ev.CallID]
	if !ok {
		logging.Warn().Str("call", ev.CallID).Msg("tool end for unknown call id")
		return nil
	}

	// Text buffered during tool execution belongs to the tool, not to the
	// conversation; only text after this point counts as the next prose
	// segment.
	t.proseStart = t.prose.Len()

	text, images := extractToolResult(ev.Result)
	output, truncated := truncateOutput(text)
	inv.Output = output
	inv.IsError = ev.IsError

	delete(t.open, ev.CallID)
	t.completed++
	if len(t.open) == 0 {
		t.toolActive = false
	}

	events := make([]types.Event, 0, len(images)+2)
	for _, img := range images {
		events = append(events, types.Event{Type: types.EventImage, Data: img})
	}
	events = append(events,
		types.Event{Type: types.EventToolOutput, Data: types.ToolOutputData{CallID: ev.CallID, Output: output, Truncated: truncated}},
		types.Event{Type: types.EventToolEnd, Data: types.ToolEndData{CallID: ev.CallID, Name: inv.Name, IsError: ev.IsError}},
	)
	return events
}

func (t *turn) onTextDelta(ev *types.TextDelta) []types.Event {
	t.prose.WriteString(ev.Delta)
	if t.toolActive {
		return nil
	}
	return []types.Event{{Type: types.EventTextDelta, Data: types.TextDeltaData{Delta: ev.Delta}}}
}

func (t *turn) onAgentEnd(ev *types.AgentEnd) ([]types.Event, *types.DoneRecord) {
	final := t.prose.String()
	if t.proseStart <= len(final) {
		final = final[t.proseStart:]
	}
	final, images := extractMarkdownImages(final)
	usage := usageFromMessages(ev.Messages)

	record := &types.DoneRecord{
		TurnID:       t.id,
		OriginatorID: t.originatorID,
		FinalText:    final,
		Usage:        usage,
		ToolCount:    t.completed,
		CompletedAt:  time.Now().UTC(),
	}

	events := make([]types.Event, 0, len(images)+1)
	for _, img := range images {
		events = append(events, types.Event{Type: types.EventImage, Data: img})
	}
	events = append(events, types.Event{Type: types.EventDone, Data: types.DoneData{
		TurnID:       record.TurnID,
		OriginatorID: record.OriginatorID,
		FinalText:    record.FinalText,
		Usage:        record.Usage,
		ToolCount:    record.ToolCount,
	}})
	return events, record
}

// usageFromMessages finds the last assistant message carrying usage
// counters, searching from the end of the list.
func usageFromMessages(msgs []types.AgentMessage) *types.Usage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Usage != nil {
			u := *msgs[i].Usage
			return &u
		}
	}
	return nil
}
