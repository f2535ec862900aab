// Package ws streams forwarded agent events to dashboards and CLI followers
// over Server-Sent Events.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

const (
	TypeConnected  = "connected"
	TypeAgentEvent = "agent_event"

	streamBuffer = 64
)

// Event is one frame on the stream. Payload is a comms.Message for agent
// events.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// AgentEvent wraps a forwarded bus EVENT for streaming.
func AgentEvent(msg comms.Message) Event {
	return Event{Type: TypeAgentEvent, Payload: msg}
}

// Filter narrows a stream to agent events from one sender and/or with one of
// a set of actions. The zero Filter passes everything.
type Filter struct {
	Agent   string
	Actions map[string]bool
}

// FilterFromQuery reads ?agent=<id>&action=a,b from a stream request.
func FilterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	f := Filter{Agent: q.Get("agent")}
	for _, a := range strings.Split(q.Get("action"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			if f.Actions == nil {
				f.Actions = make(map[string]bool)
			}
			f.Actions[a] = true
		}
	}
	return f
}

// Match reports whether ev belongs on a stream with this filter. Frames that
// are not agent events always match.
func (f Filter) Match(ev Event) bool {
	msg, ok := ev.Payload.(comms.Message)
	if !ok {
		return true
	}
	if f.Agent != "" && msg.SenderID != f.Agent {
		return false
	}
	return len(f.Actions) == 0 || f.Actions[msg.Action]
}

// frame is an encoded event waiting to be written to one stream.
type frame struct {
	id   string
	typ  string
	data []byte
}

type subscriber struct {
	filter Filter
	frames chan frame
}

// Hub fans agent events out to every open stream.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Clients returns the number of open streams.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues ev on every stream whose filter matches. A stream with a
// full buffer misses the event; the caller never blocks.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode stream event", slog.String("type", ev.Type), slog.Any("err", err))
		return
	}
	f := frame{typ: ev.Type, data: data}
	if msg, ok := ev.Payload.(comms.Message); ok {
		f.id = msg.ID
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.frames <- f:
		default:
			h.logger.Debug("event stream lagging, event dropped",
				slog.String("type", ev.Type), slog.String("event_id", f.id))
		}
	}
}

func (h *Hub) subscribe(filter Filter) *subscriber {
	s := &subscriber{filter: filter, frames: make(chan frame, streamBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServeSSE streams events matching the request's query filter until the
// client disconnects or the server shuts down.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	s := h.subscribe(FilterFromQuery(r))
	defer h.unsubscribe(s)

	writeFrame(w, frame{typ: TypeConnected, data: []byte(`{"type":"connected"}`)})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-s.frames:
			writeFrame(w, f)
			flusher.Flush()
		}
	}
}

// writeFrame writes one SSE record. json.Marshal output has no raw newlines,
// so data always fits on a single line.
func writeFrame(w http.ResponseWriter, f frame) {
	if f.id != "" {
		fmt.Fprintf(w, "id: %s\n", f.id) //nolint:errcheck
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.typ, f.data) //nolint:errcheck
}
