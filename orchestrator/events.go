package orchestrator

import (
	"context"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// AllEvents registers an event handler for every event action.
const AllEvents = "*"

// EventHandler receives an agent EVENT forwarded out of the bus.
type EventHandler func(ctx context.Context, msg comms.Message)

// RegisterEventHandler subscribes h to EVENT messages with the given action,
// or to every EVENT when action is AllEvents.
func (o *Orchestrator) RegisterEventHandler(action string, h EventHandler) {
	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	o.eventHandlers[action] = append(o.eventHandlers[action], h)
}

func (o *Orchestrator) handlersFor(action string) []EventHandler {
	o.eventMu.RLock()
	defer o.eventMu.RUnlock()
	hs := o.eventHandlers[action]
	wild := o.eventHandlers[AllEvents]
	if len(wild) == 0 {
		return hs
	}
	out := make([]EventHandler, 0, len(hs)+len(wild))
	out = append(out, hs...)
	return append(out, wild...)
}

// CheckAndForwardEvents scans the last limit history entries and passes each
// EVENT not forwarded before to its registered handlers. It returns the
// number of events forwarded. Forwarded ids are remembered in a bounded
// window, so an event older than the window may be forwarded again if it is
// still inside the scanned history.
func (o *Orchestrator) CheckAndForwardEvents(ctx context.Context, limit int) int {
	forwarded := 0
	for _, m := range o.bus.History("", limit) {
		if m.Type != comms.TypeEvent {
			continue
		}
		hs := o.handlersFor(m.Action)
		if len(hs) == 0 {
			continue
		}
		if seen, _ := o.forwarded.ContainsOrAdd(m.ID, struct{}{}); seen {
			continue
		}
		for _, h := range hs {
			o.forward(ctx, h, m)
		}
		forwarded++
	}
	return forwarded
}

func (o *Orchestrator) forward(ctx context.Context, h EventHandler, m comms.Message) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("event handler panicked", "message_id", m.ID, "action", m.Action, "panic", r)
		}
	}()
	h(ctx, m)
}
