// Package hub is the central fan-out between the agent process client and
// every registered subscriber. It normalizes the subprocess event stream
// into per-turn messages-of-record, serves synchronous state and history
// queries, and isolates subscriber failures from one another.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// ErrTurnActive rejects a prompt while another turn is in flight. The hub
// does not queue; callers serialize or surface the rejection.
var ErrTurnActive = errors.New("a turn is already in flight")

// Subscriber is a registered event sink. The hub owns the registry; a
// subscriber never outlives its transport connection.
type Subscriber interface {
	ID() string
	Kind() string
	Send(ev types.Event) error
	Available() bool
}

// Agent is the slice of the process client the hub depends on.
type Agent interface {
	Send(cmd types.Command) error
	Request(ctx context.Context, cmd types.Command) (*types.Response, error)
	Abort() error
}

// Options configures hub wiring beyond the agent and bus.
type Options struct {
	// HistorySize bounds the done-record ring. Defaults to 200.
	HistorySize int
	// Ownership reports the current session ownership ("none"/"external").
	Ownership func() string
	// SessionInfo reports session-file facts for state queries.
	SessionInfo func() *types.SessionInfo
}

// Hub fans the agent event stream out to subscribers.
type Hub struct {
	agent Agent
	opts  Options

	mu          sync.Mutex
	subscribers map[string]Subscriber
	turn        *turn
	turnActive  bool
	ring        *recordRing

	unsubs []func()
}

// New creates a hub and attaches it to the bus. Agent stream events are
// delivered synchronously by the process client's reader loop, so turn
// accumulation observes them in order.
func New(agent Agent, bus *event.Bus, opts Options) *Hub {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	h := &Hub{
		agent:       agent,
		opts:        opts,
		subscribers: make(map[string]Subscriber),
		ring:        newRecordRing(opts.HistorySize),
	}
	h.unsubs = append(h.unsubs,
		bus.Subscribe(event.AgentStream, h.onAgentEvent),
		bus.Subscribe(event.OwnershipChanged, h.onOwnershipChanged),
		bus.Subscribe(event.ArchiveCreated, h.onArchiveCreated),
	)
	return h
}

// Close detaches the hub from the bus.
func (h *Hub) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
}

// Register adds a subscriber and greets it with a connection event.
// A subscriber registered mid-turn receives only events from this point
// forward; history is served separately on request.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	h.mu.Unlock()

	logging.Info().Str("subscriber", sub.ID()).Str("kind", sub.Kind()).Msg("subscriber registered")

	greeting := types.Event{Type: types.EventConnection, Data: types.ConnectionData{
		SubscriberID: sub.ID(),
		Ownership:    h.ownership(),
	}}
	if err := sub.Send(greeting); err != nil {
		logging.Warn().Err(err).Str("subscriber", sub.ID()).Msg("connection greeting failed")
	}
}

// Unregister removes a subscriber. Safe to call at any time, including
// for ids that are already gone.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	_, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		logging.Info().Str("subscriber", id).Msg("subscriber unregistered")
	}
}

// SubscriberIDs returns the ids of all registered subscribers.
func (h *Hub) SubscriberIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// SendPrompt submits a prompt on behalf of originatorID. It returns the
// participant snapshot (subscribers registered at submission time) once
// the prompt is accepted by the subprocess, not once it is answered. A
// submission failure is broadcast as a single error event.
func (h *Hub) SendPrompt(text, originatorID string, images []types.ImageAttachment) ([]string, error) {
	h.mu.Lock()
	if h.turnActive {
		h.mu.Unlock()
		return nil, ErrTurnActive
	}
	h.turnActive = true
	h.turn = newTurn(ulid.Make().String(), originatorID)
	participants := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		participants = append(participants, id)
	}
	h.mu.Unlock()

	if err := h.agent.Send(types.Command{Type: types.CommandPrompt, Text: text, Images: images}); err != nil {
		h.mu.Lock()
		h.turnActive = false
		h.turn = nil
		h.mu.Unlock()

		logging.Error().Err(err).Msg("prompt submission failed")
		h.Broadcast(errorEvent(fmt.Sprintf("prompt submission failed: %v", err)), "")
		return participants, err
	}

	return participants, nil
}

// Abort forwards an abort to the subprocess. The in-flight turn still
// resolves through agent_end or process exit.
func (h *Hub) Abort() error {
	return h.agent.Abort()
}

// TurnActive reports whether a turn is currently in flight.
func (h *Hub) TurnActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turnActive
}

// Broadcast delivers an event to every available subscriber except
// excludeID. Sends are dispatched concurrently and awaited in aggregate;
// one failing subscriber never blocks or corrupts delivery to the others.
func (h *Hub) Broadcast(ev types.Event, excludeID string) {
	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for id, sub := range h.subscribers {
		if id == excludeID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		if !sub.Available() {
			continue
		}
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			if err := sub.Send(ev); err != nil {
				logging.Warn().
					Err(err).
					Str("subscriber", sub.ID()).
					Str("event", string(ev.Type)).
					Msg("subscriber send failed")
			}
		}(sub)
	}
	wg.Wait()
}

// GetState answers a synchronous state query. The model/provider call and
// the context-token estimate may fail independently; whatever succeeded is
// returned.
func (h *Hub) GetState(ctx context.Context) types.StateData {
	state := types.StateData{Ownership: h.ownership()}
	if h.opts.SessionInfo != nil {
		state.Session = h.opts.SessionInfo()
	}

	if resp, err := h.agent.Request(ctx, types.Command{Type: types.CommandGetState}); err == nil && resp.Success {
		var data struct {
			Model    string `json:"model"`
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(resp.Data, &data); err == nil {
			state.Model = data.Model
			state.Provider = data.Provider
		}
	} else if err != nil {
		logging.Warn().Err(err).Msg("get_state query failed")
	}

	if resp, err := h.agent.Request(ctx, types.Command{Type: types.CommandGetSessionStats}); err == nil && resp.Success {
		var data struct {
			ContextTokens *int `json:"contextTokens"`
		}
		if err := json.Unmarshal(resp.Data, &data); err == nil && data.ContextTokens != nil {
			state.ContextTokens = data.ContextTokens
		}
	} else if err != nil {
		logging.Warn().Err(err).Msg("get_session_stats query failed")
	}

	return state
}

// History returns completed-turn records, oldest first.
func (h *Hub) History() []types.DoneRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.list()
}

// onAgentEvent folds one subprocess event into the current turn and
// broadcasts whatever the classification produced. It runs in the process
// client's reader goroutine; events arrive strictly in order.
func (h *Hub) onAgentEvent(e event.Event) {
	ev, ok := e.Data.(types.AgentEvent)
	if !ok {
		return
	}

	switch ev := ev.(type) {
	case *types.Exit:
		h.onExit(ev)
		return
	case *types.Response, *types.DecodeError:
		return
	case *types.CompactionStart, *types.CompactionEnd:
		// The archivist owns compaction handling.
		return
	}

	h.mu.Lock()
	if h.turn == nil {
		// Events can arrive without a hub-submitted prompt (a turn driven
		// through the process client directly); accumulate them anyway.
		h.turn = newTurn(ulid.Make().String(), "")
	}
	events, record := h.turn.handle(ev)
	if record != nil {
		h.ring.add(*record)
		h.turn = nil
		h.turnActive = false
	}
	h.mu.Unlock()

	for _, out := range events {
		h.Broadcast(out, "")
	}
}

// onExit resets per-turn state and tells subscribers when a turn was lost.
func (h *Hub) onExit(ev *types.Exit) {
	h.mu.Lock()
	active := h.turnActive || h.turn != nil
	h.turn = nil
	h.turnActive = false
	h.mu.Unlock()

	if active {
		h.Broadcast(errorEvent(fmt.Sprintf("agent process exited (code %d) with a turn in flight", ev.Code)), "")
	}
}

func (h *Hub) onOwnershipChanged(e event.Event) {
	change, ok := e.Data.(event.OwnershipChange)
	if !ok {
		return
	}

	var msg string
	if change.State == "external" {
		msg = fmt.Sprintf("tui-detected: session taken over by external process %d", change.PID)
	} else {
		msg = "tui-gone: session reclaimed, agent restarted"
	}
	h.Broadcast(types.Event{Type: types.EventProactive, Data: types.ProactiveData{Kind: "ownership", Message: msg}}, "")
}

func (h *Hub) onArchiveCreated(e event.Event) {
	notice, ok := e.Data.(event.ArchiveNotice)
	if !ok {
		return
	}
	h.Broadcast(types.Event{Type: types.EventProactive, Data: types.ProactiveData{
		Kind:    "archive",
		Message: fmt.Sprintf("session archived (%s): %s", notice.Reason, notice.Path),
	}}, "")
}

func (h *Hub) ownership() string {
	if h.opts.Ownership != nil {
		return h.opts.Ownership()
	}
	return "none"
}

func errorEvent(msg string) types.Event {
	return types.Event{Type: types.EventError, Data: types.ErrorData{Message: msg}}
}
