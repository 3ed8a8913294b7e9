package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionhub/sessionhub/internal/arbiter"
	"github.com/sessionhub/sessionhub/internal/archive"
	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/internal/hub"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// fakeAgent satisfies both the hub's and the server's agent surfaces.
type fakeAgent struct {
	mu      sync.Mutex
	sent    []types.Command
	sendErr error
}

func (f *fakeAgent) Send(cmd types.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.sendErr
}

func (f *fakeAgent) Request(ctx context.Context, cmd types.Command) (*types.Response, error) {
	resp := &types.Response{Type: "response", Command: string(cmd.Type), Success: true}
	switch cmd.Type {
	case types.CommandGetState:
		resp.Data = json.RawMessage(`{"model":"sonnet","provider":"anthropic"}`)
	case types.CommandGetSessionStats:
		resp.Data = json.RawMessage(`{"contextTokens":4321}`)
	case types.CommandGetAvailableModels:
		resp.Data = json.RawMessage(`{"models":["sonnet","haiku"]}`)
	}
	return resp, nil
}

func (f *fakeAgent) SwitchSession(ctx context.Context, sessionPath string) error { return nil }

func (f *fakeAgent) Abort() error { return nil }

type fakeRotator struct {
	result archive.RotateResult
	info   types.SessionInfo
}

func (f *fakeRotator) ArchiveAndStartNew(ctx context.Context) archive.RotateResult { return f.result }
func (f *fakeRotator) Info() types.SessionInfo                                     { return f.info }

type fakeOwnership struct{}

func (fakeOwnership) Status() arbiter.Status { return arbiter.StatusNone }
func (fakeOwnership) KillTUI() arbiter.KillResult {
	return arbiter.KillResult{Message: "no live external session owns the session file"}
}

type testEnv struct {
	ts    *httptest.Server
	bus   *event.Bus
	hub   *hub.Hub
	agent *fakeAgent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	agent := &fakeAgent{}
	h := hub.New(agent, bus, hub.Options{
		Ownership: func() string { return "none" },
	})
	t.Cleanup(h.Close)

	rotator := &fakeRotator{
		result: archive.RotateResult{ArchivePath: "/archive/session-20260830.jsonl"},
		info:   types.SessionInfo{Path: "/data/session.jsonl", SizeBytes: 42, Compactions: 1, Archives: 2},
	}

	srv := New(DefaultConfig(), h, agent, rotator, fakeOwnership{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, bus: bus, hub: h, agent: agent}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGetState(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/state")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state := decodeBody[types.StateData](t, resp)
	assert.Equal(t, "sonnet", state.Model)
	assert.Equal(t, "anthropic", state.Provider)
	require.NotNil(t, state.ContextTokens)
	assert.Equal(t, 4321, *state.ContextTokens)
	assert.Equal(t, "none", state.Ownership)
}

func TestGetHistory_Empty(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/history")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hist := decodeBody[types.HistoryData](t, resp)
	assert.Empty(t, hist.Records)
}

func TestPostPrompt(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/prompt", promptRequest{Text: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	assert.True(t, env.hub.TurnActive())

	// A second prompt while the turn is open is rejected.
	resp = postJSON(t, env.ts.URL+"/prompt", promptRequest{Text: "again"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPostPrompt_EmptyText(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/prompt", promptRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostAbort(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/abort", struct{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionInfo(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/session/info")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := decodeBody[types.SessionInfo](t, resp)
	assert.Equal(t, "/data/session.jsonl", info.Path)
	assert.Equal(t, int64(42), info.SizeBytes)
	assert.Equal(t, 1, info.Compactions)
	assert.Equal(t, 2, info.Archives)
}

func TestRotateSession(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/session/rotate", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[rotateResponse](t, resp)
	assert.Equal(t, "/archive/session-20260830.jsonl", body.ArchivePath)
	assert.Empty(t, body.Error)
}

func TestRotateSession_RejectedMidTurn(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.hub.SendPrompt("hello", "test", nil)
	require.NoError(t, err)

	resp := postJSON(t, env.ts.URL+"/session/rotate", struct{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTakeoverSession(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/session/takeover", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decodeBody[arbiter.KillResult](t, resp)
	assert.False(t, res.Killed)
	assert.Contains(t, res.Message, "no live external session")
}

// wsEvent mirrors the wire shape of a hub event with the payload left raw.
type wsEvent struct {
	Type types.EventKind `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocket_ConnectionGreeting(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	ev := readEvent(t, conn)
	require.Equal(t, types.EventConnection, ev.Type)

	var data types.ConnectionData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.NotEmpty(t, data.SubscriberID)
	assert.Equal(t, "none", data.Ownership)
}

func TestWebSocket_GetState(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "get_state"}))

	ev := readEvent(t, conn)
	require.Equal(t, types.EventState, ev.Type)

	var state types.StateData
	require.NoError(t, json.Unmarshal(ev.Data, &state))
	assert.Equal(t, "sonnet", state.Model)
}

func TestWebSocket_PromptStream(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "prompt", Text: "hi"}))
	require.Eventually(t, env.hub.TurnActive, 2*time.Second, 10*time.Millisecond)

	env.bus.PublishSync(event.Event{Type: event.AgentStream, Data: &types.TextDelta{Delta: "Hello."}})
	env.bus.PublishSync(event.Event{Type: event.AgentStream, Data: &types.AgentEnd{}})

	ev := readEvent(t, conn)
	require.Equal(t, types.EventTextDelta, ev.Type)
	var delta types.TextDeltaData
	require.NoError(t, json.Unmarshal(ev.Data, &delta))
	assert.Equal(t, "Hello.", delta.Delta)

	ev = readEvent(t, conn)
	require.Equal(t, types.EventDone, ev.Type)
	var done types.DoneData
	require.NoError(t, json.Unmarshal(ev.Data, &done))
	assert.Equal(t, "Hello.", done.FinalText)
}

func TestWebSocket_CommandModelList(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "command", Command: "model"}))

	ev := readEvent(t, conn)
	require.Equal(t, types.EventProactive, ev.Type)

	var data types.ProactiveData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "models", data.Kind)
	assert.Equal(t, "sonnet\nhaiku", data.Message)
}

func TestWebSocket_CommandSession(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "command", Command: "session"}))

	ev := readEvent(t, conn)
	require.Equal(t, types.EventProactive, ev.Type)

	var data types.ProactiveData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "session", data.Kind)
	assert.Contains(t, data.Message, "/data/session.jsonl")
}

func TestWebSocket_CommandSessionSwitch(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "command", Command: "session", Args: "/data/other.jsonl"}))

	ev := readEvent(t, conn)
	require.Equal(t, types.EventProactive, ev.Type)

	var data types.ProactiveData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Contains(t, data.Message, "switched to session /data/other.jsonl")
}

func TestWebSocket_UnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(wsRequest{Type: "bogus"}))

	ev := readEvent(t, conn)
	require.Equal(t, types.EventError, ev.Type)

	var data types.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Contains(t, data.Message, "unknown request type")
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readEvent(t, conn) // greeting

	require.Len(t, env.hub.SubscriberIDs(), 1)

	conn.Close()
	require.Eventually(t, func() bool {
		return len(env.hub.SubscriberIDs()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8199", cfg.Listen)
	assert.True(t, cfg.EnableCORS)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}
