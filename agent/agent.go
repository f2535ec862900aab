// Package agent provides the base every tabletop agent builds on: a typed
// action dispatch table, send/respond/broadcast helpers bound to the bus,
// and the at-most-one-response contract for requests.
package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRegistered Status = "registered"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
)

// Actions every agent answers unless it overrides them.
const (
	ActionBroadcastEvent   = "broadcast_event"
	ActionGameStateUpdated = "game_state_updated"
)

var (
	ErrHandlerPanic     = errors.New("handler panicked")
	ErrAlreadyResponded = errors.New("request already answered")
)

// Handler processes one message for a registered action.
type Handler func(ctx context.Context, msg *comms.Message) (Result, error)

type resultKind uint8

const (
	kindNoReply resultKind = iota
	kindReply
	kindResponded
)

// Result tells the dispatcher what to do after a handler returns.
// The zero value is NoReply.
type Result struct {
	kind    resultKind
	payload comms.Payload
}

// Reply asks the dispatcher to send data as the response to a REQUEST.
// A nil payload means there is nothing to send.
func Reply(data comms.Payload) Result {
	if data == nil {
		return Result{}
	}
	return Result{kind: kindReply, payload: data}
}

// Responded reports that the handler already called Respond itself.
func Responded() Result { return Result{kind: kindResponded} }

// NoReply reports that nothing should be sent.
func NoReply() Result { return Result{} }

// Payload returns the reply payload, if the result carries one.
func (r Result) Payload() (comms.Payload, bool) {
	return r.payload, r.kind == kindReply
}

// Info provides read-only metadata about an agent.
type Info struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Status    Status    `json:"status"`
	Running   bool      `json:"running"`
	Actions   []string  `json:"actions,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

var titler = cases.Title(language.English)

// Label turns an agent type such as "npc_controller" into "Npc Controller".
func Label(agentType string) string {
	return titler.String(strings.ReplaceAll(agentType, "_", " "))
}

// Describe returns metadata for any agent. Agents built on Base report their
// actions and start time; others only what the comms.Agent surface exposes.
func Describe(a comms.Agent) Info {
	if d, ok := a.(interface{ Info() Info }); ok {
		return d.Info()
	}
	info := Info{
		ID:      a.ID(),
		Type:    a.Type(),
		Label:   Label(a.Type()),
		Running: a.Running(),
		Status:  StatusStopped,
	}
	if info.Running {
		info.Status = StatusRunning
	}
	if l, ok := a.(interface{ Actions() []string }); ok {
		info.Actions = l.Actions()
		sort.Strings(info.Actions)
	}
	return info
}
