package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// fakeAgent implements Agent for hub tests.
type fakeAgent struct {
	mu        sync.Mutex
	sent      []types.Command
	sendErr   error
	responses map[types.CommandType]*types.Response
	errs      map[types.CommandType]error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		responses: make(map[types.CommandType]*types.Response),
		errs:      make(map[types.CommandType]error),
	}
}

func (f *fakeAgent) Send(cmd types.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeAgent) Request(ctx context.Context, cmd types.Command) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[cmd.Type]; err != nil {
		return nil, err
	}
	if resp := f.responses[cmd.Type]; resp != nil {
		return resp, nil
	}
	return nil, errors.New("no canned response")
}

func (f *fakeAgent) Abort() error { return f.Send(types.Command{Type: types.CommandAbort}) }

func (f *fakeAgent) sentCommands() []types.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Command(nil), f.sent...)
}

// fakeSub implements Subscriber, recording every delivered event.
type fakeSub struct {
	id        string
	mu        sync.Mutex
	events    []types.Event
	available bool
	sendErr   error
}

func newFakeSub(id string) *fakeSub {
	return &fakeSub{id: id, available: true}
}

func (s *fakeSub) ID() string   { return s.id }
func (s *fakeSub) Kind() string { return "test" }

func (s *fakeSub) Send(ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSub) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *fakeSub) received() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// kinds lists received event kinds, skipping the connection greeting.
func (s *fakeSub) kinds() []types.EventKind {
	var out []types.EventKind
	for _, ev := range s.received() {
		if ev.Type == types.EventConnection {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func newTestHub(t *testing.T, agent Agent, opts Options) (*Hub, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	h := New(agent, bus, opts)
	t.Cleanup(h.Close)
	return h, bus
}

func stream(bus *event.Bus, evs ...types.AgentEvent) {
	for _, ev := range evs {
		bus.PublishSync(event.Event{Type: event.AgentStream, Data: ev})
	}
}

func TestScenario_BashToolTurn(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	_, err := h.SendPrompt("list files", "c1", nil)
	require.NoError(t, err)

	stream(bus,
		&types.ToolExecutionStart{CallID: "a", Name: "bash", Args: json.RawMessage(`{"command":"ls -la"}`)},
		&types.ToolExecutionEnd{CallID: "a", Result: json.RawMessage(`{"stdout":"file1\nfile2"}`)},
		&types.TextDelta{Delta: "Done."},
		&types.AgentEnd{},
	)

	events := sub.received()
	require.Len(t, events, 6) // connection + 5 broadcast events

	assert.Equal(t, types.EventConnection, events[0].Type)

	assert.Equal(t, types.EventToolStart, events[1].Type)
	start := events[1].Data.(types.ToolStartData)
	assert.Equal(t, "a", start.CallID)
	assert.Equal(t, "$ ls -la", start.Label)

	assert.Equal(t, types.EventToolOutput, events[2].Type)
	output := events[2].Data.(types.ToolOutputData)
	assert.Equal(t, "file1\nfile2", output.Output)
	assert.False(t, output.Truncated)

	assert.Equal(t, types.EventToolEnd, events[3].Type)

	assert.Equal(t, types.EventTextDelta, events[4].Type)
	assert.Equal(t, "Done.", events[4].Data.(types.TextDeltaData).Delta)

	assert.Equal(t, types.EventDone, events[5].Type)
	done := events[5].Data.(types.DoneData)
	assert.Equal(t, "Done.", done.FinalText)
	assert.Equal(t, "c1", done.OriginatorID)
	assert.Equal(t, 1, done.ToolCount)
}

func TestThinking_InterleavesWithToolAndProse(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	_, err := h.SendPrompt("check the files", "c1", nil)
	require.NoError(t, err)

	// Thinking deltas flow regardless of the tool flag; an empty
	// thinking_done falls back to the accumulated deltas.
	stream(bus,
		&types.ThinkingDelta{Delta: "let me check "},
		&types.ToolExecutionStart{CallID: "a", Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)},
		&types.ThinkingDelta{Delta: "the files"},
		&types.ToolExecutionEnd{CallID: "a", Result: json.RawMessage(`{"stdout":"file1"}`)},
		&types.ThinkingDone{},
		&types.TextDelta{Delta: "Done."},
		&types.AgentEnd{},
	)

	assert.Equal(t, []types.EventKind{
		types.EventThinkingDelta,
		types.EventToolStart,
		types.EventThinkingDelta,
		types.EventToolOutput,
		types.EventToolEnd,
		types.EventThinkingDone,
		types.EventTextDelta,
		types.EventDone,
	}, sub.kinds())

	events := sub.received()
	thinkingDone := events[6].Data.(types.ThinkingDoneData)
	assert.Equal(t, "let me check the files", thinkingDone.Text)

	done := events[8].Data.(types.DoneData)
	assert.Equal(t, "Done.", done.FinalText, "thinking text stays out of the final prose")
}

func TestThinking_SecondBlockAccumulatesFresh(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	_, err := h.SendPrompt("hello", "c1", nil)
	require.NoError(t, err)

	stream(bus,
		&types.ThinkingDelta{Delta: "first block"},
		&types.ThinkingDone{},
		&types.ThinkingDelta{Delta: "second block"},
		&types.ThinkingDone{},
	)

	events := sub.received()
	require.Len(t, events, 5) // connection + 2 deltas + 2 dones

	assert.Equal(t, "first block", events[2].Data.(types.ThinkingDoneData).Text)
	assert.Equal(t, "second block", events[4].Data.(types.ThinkingDoneData).Text)
}

func TestToolEnd_UnknownCallID_Ignored(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	stream(bus, &types.ToolExecutionEnd{CallID: "ghost", Result: json.RawMessage(`"boo"`)})

	assert.Empty(t, sub.kinds(), "no tool_output/tool_end may precede a matching tool_start")
}

func TestProseDuringTool_NotBroadcastAndNotInFinalText(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	stream(bus,
		&types.ToolExecutionStart{CallID: "t1", Name: "read", Args: json.RawMessage(`{"path":"/etc/hosts"}`)},
		&types.TextDelta{Delta: "tool-internal chatter"},
		&types.ToolExecutionEnd{CallID: "t1", Result: json.RawMessage(`{"text":"contents"}`)},
		&types.TextDelta{Delta: "The file looks fine."},
		&types.AgentEnd{},
	)

	for _, ev := range sub.received() {
		if ev.Type == types.EventTextDelta {
			assert.NotEqual(t, "tool-internal chatter", ev.Data.(types.TextDeltaData).Delta)
		}
	}

	events := sub.received()
	last := events[len(events)-1]
	require.Equal(t, types.EventDone, last.Type)
	assert.Equal(t, "The file looks fine.", last.Data.(types.DoneData).FinalText)
}

func TestOverlappingToolInvocations(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	stream(bus,
		&types.ToolExecutionStart{CallID: "a", Name: "bash", Args: json.RawMessage(`{"command":"sleep 5"}`)},
		&types.ToolExecutionStart{CallID: "b", Name: "grep", Args: json.RawMessage(`{"pattern":"TODO"}`)},
		&types.ToolExecutionEnd{CallID: "a", Result: json.RawMessage(`""`)},
		// One invocation still open: prose stays buffered.
		&types.TextDelta{Delta: "still tool-internal"},
		&types.ToolExecutionEnd{CallID: "b", Result: json.RawMessage(`["match1","match2"]`)},
		&types.TextDelta{Delta: "All done."},
		&types.AgentEnd{},
	)

	kinds := sub.kinds()
	assert.Equal(t, []types.EventKind{
		types.EventToolStart, types.EventToolStart,
		types.EventToolOutput, types.EventToolEnd,
		types.EventToolOutput, types.EventToolEnd,
		types.EventTextDelta, types.EventDone,
	}, kinds)

	events := sub.received()
	last := events[len(events)-1]
	assert.Equal(t, "All done.", last.Data.(types.DoneData).FinalText)
}

func TestRegisterMidTurn_NoReplayLeakage(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	early := newFakeSub("early")
	h.Register(early)

	stream(bus, &types.TextDelta{Delta: "before "})

	late := newFakeSub("late")
	h.Register(late)

	stream(bus,
		&types.TextDelta{Delta: "after"},
		&types.AgentEnd{},
	)

	assert.Equal(t, []types.EventKind{types.EventTextDelta, types.EventTextDelta, types.EventDone}, early.kinds())
	assert.Equal(t, []types.EventKind{types.EventTextDelta, types.EventDone}, late.kinds())

	lateEvents := late.received()
	assert.Equal(t, "after", lateEvents[1].Data.(types.TextDeltaData).Delta)

	// The done record still carries the full prose of the turn.
	doneCount := 0
	for _, ev := range late.received() {
		if ev.Type == types.EventDone {
			doneCount++
			assert.Equal(t, "before after", ev.Data.(types.DoneData).FinalText)
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestSendPrompt_RejectsSecondTurn(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	_, err := h.SendPrompt("one", "c1", nil)
	require.NoError(t, err)
	assert.True(t, h.TurnActive())

	_, err = h.SendPrompt("two", "c2", nil)
	assert.ErrorIs(t, err, ErrTurnActive)

	stream(bus, &types.AgentEnd{})
	assert.False(t, h.TurnActive())

	_, err = h.SendPrompt("three", "c1", nil)
	assert.NoError(t, err)
}

func TestSendPrompt_SubmissionFailureBroadcastsError(t *testing.T) {
	agent := newFakeAgent()
	agent.sendErr = errors.New("pipe closed")
	h, _ := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	participants, err := h.SendPrompt("hello", "c1", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"c1"}, participants)
	assert.False(t, h.TurnActive(), "failed submission must release the turn guard")

	kinds := sub.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, types.EventError, kinds[0])
}

func TestBroadcast_FailingSubscriberIsolated(t *testing.T) {
	agent := newFakeAgent()
	h, _ := newTestHub(t, agent, Options{})

	bad := newFakeSub("bad")
	bad.sendErr = errors.New("connection reset")
	good := newFakeSub("good")
	h.Register(bad)
	h.Register(good)

	h.Broadcast(types.Event{Type: types.EventTextDelta, Data: types.TextDeltaData{Delta: "x"}}, "")

	assert.Len(t, good.kinds(), 1)
	// The failing subscriber is not implicitly unregistered.
	assert.Contains(t, h.SubscriberIDs(), "bad")
}

func TestBroadcast_SkipsUnavailableAndExcluded(t *testing.T) {
	agent := newFakeAgent()
	h, _ := newTestHub(t, agent, Options{})

	offline := newFakeSub("offline")
	offline.available = false
	origin := newFakeSub("origin")
	other := newFakeSub("other")
	h.Register(offline)
	h.Register(origin)
	h.Register(other)

	h.Broadcast(types.Event{Type: types.EventTextDelta, Data: types.TextDeltaData{Delta: "x"}}, "origin")

	assert.Empty(t, offline.kinds())
	assert.Empty(t, origin.kinds())
	assert.Len(t, other.kinds(), 1)
}

func TestGetState_PartialFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.responses[types.CommandGetState] = &types.Response{
		Success: true,
		Data:    json.RawMessage(`{"model":"sonnet","provider":"anthropic"}`),
	}
	agent.errs[types.CommandGetSessionStats] = errors.New("stats unavailable")

	h, _ := newTestHub(t, agent, Options{})

	state := h.GetState(context.Background())
	assert.Equal(t, "sonnet", state.Model)
	assert.Equal(t, "anthropic", state.Provider)
	assert.Nil(t, state.ContextTokens)
}

func TestGetState_IncludesOwnershipAndSession(t *testing.T) {
	agent := newFakeAgent()
	agent.errs[types.CommandGetState] = errors.New("down")
	agent.errs[types.CommandGetSessionStats] = errors.New("down")

	h, _ := newTestHub(t, agent, Options{
		Ownership:   func() string { return "external" },
		SessionInfo: func() *types.SessionInfo { return &types.SessionInfo{Path: "/s.jsonl", SizeBytes: 42} },
	})

	state := h.GetState(context.Background())
	assert.Equal(t, "external", state.Ownership)
	require.NotNil(t, state.Session)
	assert.Equal(t, int64(42), state.Session.SizeBytes)
}

func TestHistory_RecordsCompletedTurns(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{HistorySize: 2})

	for _, text := range []string{"one", "two", "three"} {
		stream(bus,
			&types.TextDelta{Delta: text},
			&types.AgentEnd{Messages: []types.AgentMessage{
				{Role: "assistant", Usage: &types.Usage{Input: 1, Output: 2}},
			}},
		)
	}

	records := h.History()
	require.Len(t, records, 2)
	assert.Equal(t, "two", records[0].FinalText)
	assert.Equal(t, "three", records[1].FinalText)
	require.NotNil(t, records[1].Usage)
	assert.Equal(t, 2, records[1].Usage.Output)
}

func TestExitMidTurn_BroadcastsErrorAndResets(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	_, err := h.SendPrompt("hello", "c1", nil)
	require.NoError(t, err)

	stream(bus, &types.TextDelta{Delta: "partial"}, &types.Exit{Code: 1})

	kinds := sub.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, types.EventError, kinds[len(kinds)-1])
	assert.False(t, h.TurnActive())

	_, err = h.SendPrompt("again", "c1", nil)
	assert.NoError(t, err)
}

func TestOwnershipChange_ForwardedAsProactive(t *testing.T) {
	agent := newFakeAgent()
	h, bus := newTestHub(t, agent, Options{})

	sub := newFakeSub("c1")
	h.Register(sub)

	bus.PublishSync(event.Event{Type: event.OwnershipChanged, Data: event.OwnershipChange{State: "external", PID: 99}})
	bus.PublishSync(event.Event{Type: event.OwnershipChanged, Data: event.OwnershipChange{State: "none"}})

	kinds := sub.kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, types.EventProactive, kinds[0])

	events := sub.received()
	first := events[1].Data.(types.ProactiveData)
	assert.Contains(t, first.Message, "tui-detected")
	second := events[2].Data.(types.ProactiveData)
	assert.Contains(t, second.Message, "tui-gone")
}
