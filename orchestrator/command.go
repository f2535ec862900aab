package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// DefaultCommandAction is the action used when an envelope names none.
const DefaultCommandAction = "handle_command"

var (
	ErrUnknownIntent    = errors.New("no agent for intent")
	ErrAgentUnavailable = errors.New("agent not available")
)

// DefaultIntents maps command intents to the agent that serves them.
var DefaultIntents = map[string]string{
	"campaign":   "campaign_manager",
	"dice":       "dice_roller",
	"combat":     "combat_engine",
	"npc":        "npc_controller",
	"rules":      "rule_enforcer",
	"inventory":  "inventory_manager",
	"spell":      "spell_manager",
	"session":    "session_manager",
	"experience": "experience_manager",
}

// Envelope is a command arriving from outside the agent system.
type Envelope struct {
	ID             string        `json:"id"`
	Intent         string        `json:"intent"`
	Action         string        `json:"action,omitempty"`
	Text           string        `json:"text,omitempty"`
	Data           comms.Payload `json:"data,omitempty"`
	TimeoutSeconds float64       `json:"timeout,omitempty"`
}

// Timeout returns the envelope's wait bound, or def when it sets none.
func (e Envelope) Timeout(def time.Duration) time.Duration {
	if e.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(e.TimeoutSeconds * float64(time.Second))
}

// Bridge hands command envelopes to an external RAG/LLM service.
type Bridge interface {
	HandleCommand(ctx context.Context, env Envelope) (comms.Payload, error)
}

// ResolveIntent returns the id of the registered agent serving intent.
func (o *Orchestrator) ResolveIntent(intent string) (string, error) {
	target, ok := o.intents[intent]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIntent, intent)
	}
	if _, ok := o.roster.Get(target); !ok {
		return target, fmt.Errorf("%w: %s", ErrAgentUnavailable, target)
	}
	return target, nil
}

// HandleCommandEnvelope answers an external command. The bridge is tried
// first; without one, or when it fails, the envelope becomes a single REQUEST
// to the agent serving its intent and the response payload is returned.
// Failures are reported as {success:false, error:...} payloads.
func (o *Orchestrator) HandleCommandEnvelope(ctx context.Context, env Envelope) comms.Payload {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.command",
		trace.WithAttributes(
			attribute.String("command.id", env.ID),
			attribute.String("command.intent", env.Intent),
		))
	defer span.End()

	if o.bridge != nil {
		res, err := o.bridge.HandleCommand(ctx, env)
		if err == nil {
			span.SetAttributes(attribute.String("command.route", "bridge"))
			return res
		}
		span.RecordError(err)
		o.logger.WarnContext(ctx, "command bridge failed, routing locally",
			"command_id", env.ID, "intent", env.Intent, "err", err)
	}

	span.SetAttributes(attribute.String("command.route", "local"))
	res := o.routeEnvelope(ctx, env)
	if !res.Succeeded() {
		msg, _ := res["error"].(string)
		span.SetStatus(codes.Error, msg)
	}
	return res
}

func (o *Orchestrator) routeEnvelope(ctx context.Context, env Envelope) comms.Payload {
	target, err := o.ResolveIntent(env.Intent)
	if err != nil {
		return comms.Failure(err.Error())
	}

	action := env.Action
	if action == "" {
		action = DefaultCommandAction
	}
	data := make(comms.Payload, len(env.Data)+3)
	for k, v := range env.Data {
		data[k] = v
	}
	if env.Text != "" {
		data["text"] = env.Text
	}
	data["intent"] = env.Intent
	data["command_id"] = env.ID

	timeout := env.Timeout(o.commandTimeout)
	res, ok := o.Request(ctx, target, action, data, timeout)
	if !ok {
		return comms.Failure(fmt.Sprintf("timed out after %s waiting for %s", timeout, target))
	}
	return res
}
