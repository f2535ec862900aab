package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/archive"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

const (
	defaultMessageLimit = 50
	maxWait             = 60 * time.Second
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Orch    Orchestrator
	Archive MessageArchive // optional
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/start", h.startAgent)
	mux.HandleFunc("POST /api/agents/{id}/stop", h.stopAgent)
	mux.HandleFunc("POST /api/agents/{id}/messages", h.sendMessage)

	mux.HandleFunc("GET /api/messages", h.listMessages)
	mux.HandleFunc("POST /api/broadcast", h.broadcast)
	mux.HandleFunc("POST /api/command", h.command)
	mux.HandleFunc("GET /api/schedules", h.listSchedules)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	status := h.Orch.AgentStatus()
	infos := make([]agent.Info, 0, len(status))
	for _, info := range status {
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b agent.Info) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Orch.AgentStatus()[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) startAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Orch.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	a.Start()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) stopAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Orch.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	a.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// SendRequest is the body of POST /api/agents/{id}/messages.
type SendRequest struct {
	Action string        `json:"action"`
	Data   comms.Payload `json:"data,omitempty"`
	Wait   float64       `json:"wait,omitempty"` // seconds to wait for the response
}

// SendResponse reports the id of a sent message and, when waited for, its
// response.
type SendResponse struct {
	MessageID string         `json:"message_id"`
	Response  *comms.Message `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (h *Handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.Orch.Agent(id); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	msgID, err := h.Orch.SendToAgent(r.Context(), id, req.Action, req.Data)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if req.Wait <= 0 {
		writeJSON(w, http.StatusAccepted, SendResponse{MessageID: msgID})
		return
	}

	wait := min(time.Duration(req.Wait*float64(time.Second)), maxWait)
	resp, ok := h.Orch.AwaitResponse(r.Context(), msgID, wait)
	if !ok {
		writeJSON(w, http.StatusGatewayTimeout, SendResponse{MessageID: msgID, Error: "timed out waiting for response"})
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{MessageID: msgID, Response: resp})
}

func (h *Handlers) sendError(w http.ResponseWriter, err error) {
	if errors.Is(err, comms.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.Logger.Error("send message", slog.Any("err", err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Message handlers ---

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultMessageLimit
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	if q.Get("source") != "archive" {
		msgs := h.Orch.History(q.Get("agent_id"), limit)
		if msgs == nil {
			msgs = []comms.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
		return
	}
	if h.Archive == nil {
		writeError(w, http.StatusNotFound, "message archive not configured")
		return
	}
	msgs, err := h.Archive.List(r.Context(), archive.Filter{
		AgentID: q.Get("agent_id"),
		Action:  q.Get("action"),
		Type:    comms.MessageType(q.Get("type")),
		Limit:   limit,
	})
	if err != nil {
		h.Logger.Error("list archived messages", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// BroadcastRequest is the body of POST /api/broadcast.
type BroadcastRequest struct {
	Action string        `json:"action"`
	Data   comms.Payload `json:"data,omitempty"`
}

func (h *Handlers) broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	msgID, err := h.Orch.Broadcast(r.Context(), req.Action, req.Data)
	if err != nil {
		h.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SendResponse{MessageID: msgID})
}

func (h *Handlers) command(w http.ResponseWriter, r *http.Request) {
	var env orchestrator.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if env.Intent == "" {
		writeError(w, http.StatusBadRequest, "intent is required")
		return
	}
	writeJSON(w, http.StatusOK, h.Orch.HandleCommandEnvelope(r.Context(), env))
}

func (h *Handlers) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orch.Schedules())
}

// --- Status / version ---

// Status is the body of GET /api/status.
type Status struct {
	Status        string      `json:"status"`
	Version       string      `json:"version"`
	Running       bool        `json:"running"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Agents        int         `json:"agents"`
	Bus           comms.Stats `json:"bus"`
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Status:        "ok",
		Version:       h.Version,
		Running:       h.Orch.Running(),
		UptimeSeconds: time.Since(h.StartAt).Seconds(),
		Agents:        len(h.Orch.AgentStatus()),
		Bus:           h.Orch.Stats(),
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
