// Package api defines the REST API handlers and interfaces for the dungeonmaster server.
package api

import (
	"context"
	"time"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/archive"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

// Orchestrator is the interface the API uses to reach the agent system.
// Implemented by *orchestrator.Orchestrator.
type Orchestrator interface {
	Running() bool
	Agent(id string) (comms.Agent, bool)
	AgentStatus() map[string]agent.Info
	Stats() comms.Stats
	History(agentID string, limit int) []comms.Message
	SendToAgent(ctx context.Context, receiver, action string, data comms.Payload) (string, error)
	AwaitResponse(ctx context.Context, messageID string, timeout time.Duration) (*comms.Message, bool)
	Broadcast(ctx context.Context, action string, data comms.Payload) (string, error)
	HandleCommandEnvelope(ctx context.Context, env orchestrator.Envelope) comms.Payload
	Schedules() []orchestrator.ScheduleStatus
}

// MessageArchive serves archived messages beyond the bus history window.
type MessageArchive interface {
	List(ctx context.Context, filter archive.Filter) ([]comms.Message, error)
}

var (
	_ Orchestrator   = (*orchestrator.Orchestrator)(nil)
	_ MessageArchive = (*archive.SQLiteStore)(nil)
)
