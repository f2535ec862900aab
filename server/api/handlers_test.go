package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/archive"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
	"github.com/GoCodeAlone/dungeonmaster/server/api"
)

type fakeArchive struct {
	msgs []comms.Message
	last archive.Filter
	err  error
}

func (f *fakeArchive) List(_ context.Context, filter archive.Filter) ([]comms.Message, error) {
	f.last = filter
	return f.msgs, f.err
}

func newTestHandlers(t *testing.T) (*api.Handlers, *orchestrator.Orchestrator, *http.ServeMux) {
	t.Helper()
	bus := comms.NewBus(comms.WithPollInterval(5 * time.Millisecond))
	orch := orchestrator.New(bus, orchestrator.WithTickInterval(time.Hour))
	t.Cleanup(orch.Stop)

	echo := agent.New("echo", "echo")
	echo.Handle("ping", func(_ context.Context, msg *comms.Message) (agent.Result, error) {
		return agent.Reply(comms.Payload{"success": true, "pong": msg.Data["n"]}), nil
	})
	echo.Handle(orchestrator.DefaultCommandAction, func(_ context.Context, msg *comms.Message) (agent.Result, error) {
		return agent.Reply(comms.Payload{"success": true, "heard": msg.Data["text"]}), nil
	})
	require.NoError(t, orch.Register(echo))
	require.NoError(t, orch.Register(agent.New("silent", "silent_type")))

	h := &api.Handlers{Orch: orch, Logger: slog.Default(), Version: "test", StartAt: time.Now()}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.HandleFunc("GET /api/status", h.StatusHandler())
	return h, orch, mux
}

func do(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListAndGetAgents(t *testing.T) {
	_, _, mux := newTestHandlers(t)

	rec := do(t, mux, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decode[[]agent.Info](t, rec)
	require.Len(t, infos, 2)
	assert.Equal(t, "echo", infos[0].ID)
	assert.Equal(t, "Silent Type", infos[1].Label)

	rec = do(t, mux, http.MethodGet, "/api/agents/echo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[agent.Info](t, rec).Actions, "ping")

	rec = do(t, mux, http.MethodGet, "/api/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopAgent(t *testing.T) {
	_, orch, mux := newTestHandlers(t)

	rec := do(t, mux, http.MethodPost, "/api/agents/echo/start", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	a, _ := orch.Agent("echo")
	assert.True(t, a.Running())

	rec = do(t, mux, http.MethodPost, "/api/agents/echo/stop", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, a.Running())

	rec = do(t, mux, http.MethodPost, "/api/agents/nobody/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage(t *testing.T) {
	_, orch, mux := newTestHandlers(t)
	orch.Start(context.Background())

	rec := do(t, mux, http.MethodPost, "/api/agents/echo/messages", api.SendRequest{
		Action: "ping", Data: comms.Payload{"n": 3}, Wait: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.SendResponse](t, rec)
	require.NotNil(t, resp.Response)
	assert.Equal(t, resp.MessageID, resp.Response.ResponseTo)
	assert.Equal(t, float64(3), resp.Response.Data["pong"])

	rec = do(t, mux, http.MethodPost, "/api/agents/echo/messages", api.SendRequest{Action: "ping"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode[api.SendResponse](t, rec).MessageID)
}

func TestSendMessage_Errors(t *testing.T) {
	_, _, mux := newTestHandlers(t)

	rec := do(t, mux, http.MethodPost, "/api/agents/nobody/messages", api.SendRequest{Action: "ping"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/agents/echo/messages", api.SendRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/echo/messages", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	mux.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestSendMessage_WaitTimesOut(t *testing.T) {
	_, _, mux := newTestHandlers(t)
	// Not started: the request is queued but never answered.
	rec := do(t, mux, http.MethodPost, "/api/agents/echo/messages", api.SendRequest{Action: "ping", Wait: 0.05})
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	resp := decode[api.SendResponse](t, rec)
	assert.NotEmpty(t, resp.MessageID)
	assert.Contains(t, resp.Error, "timed out")
}

func TestListMessages(t *testing.T) {
	_, orch, mux := newTestHandlers(t)
	rec := do(t, mux, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	orch.Start(context.Background())
	_, ok := orch.Request(context.Background(), "echo", "ping", nil, 2*time.Second)
	require.True(t, ok)

	rec = do(t, mux, http.MethodGet, "/api/messages?agent_id=echo&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]comms.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, comms.TypeResponse, msgs[0].Type)
}

func TestListMessages_Archive(t *testing.T) {
	h, _, mux := newTestHandlers(t)

	rec := do(t, mux, http.MethodGet, "/api/messages?source=archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	arch := &fakeArchive{msgs: []comms.Message{*comms.NewMessage("a", "b", comms.TypeEvent, "dice_rolled", nil)}}
	h.Archive = arch
	rec = do(t, mux, http.MethodGet, "/api/messages?source=archive&agent_id=a&action=dice_rolled&type=event&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]comms.Message](t, rec), 1)
	assert.Equal(t, archive.Filter{AgentID: "a", Action: "dice_rolled", Type: comms.TypeEvent, Limit: 5}, arch.last)

	arch.err = errors.New("disk gone")
	rec = do(t, mux, http.MethodGet, "/api/messages?source=archive", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBroadcast(t *testing.T) {
	_, orch, mux := newTestHandlers(t)

	rec := do(t, mux, http.MethodPost, "/api/broadcast", api.BroadcastRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/broadcast", api.BroadcastRequest{Action: "long_rest"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[api.SendResponse](t, rec).MessageID

	orch.Start(context.Background())
	require.Eventually(t, func() bool {
		hist := orch.History("", 10)
		return len(hist) == 1 && hist[0].ID == id
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCommand(t *testing.T) {
	_, orch, mux := newTestHandlers(t)
	orch.Start(context.Background())

	rec := do(t, mux, http.MethodPost, "/api/command", orchestrator.Envelope{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/command", orchestrator.Envelope{Intent: "dance"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[comms.Payload](t, rec)["success"])
}

func TestStatus(t *testing.T) {
	_, orch, mux := newTestHandlers(t)
	orch.Start(context.Background())

	rec := do(t, mux, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[api.Status](t, rec)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "test", st.Version)
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Agents)
	assert.True(t, st.Bus.Running)

	rec = do(t, mux, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
