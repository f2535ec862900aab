package agents

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

const (
	SessionManagerID = "session_manager"

	ActionStartSession = "start_session"
	ActionEndSession   = "end_session"
	ActionAddEffect    = "add_effect"
	ActionListEffects  = "list_effects"

	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventEffectExpired  = "effect_expired"
)

// Effect is a timed condition on a character, e.g. "blessed" for 60s.
type Effect struct {
	Target  string
	Name    string
	Expires time.Time
}

type session struct {
	id        string
	name      string
	startedAt time.Time
}

// SessionManager tracks the play session and timed effects. Expired effects
// are removed on tick and announced with an effect_expired event.
type SessionManager struct {
	*agent.Base

	mu      sync.Mutex
	current *session
	effects []Effect
	now     func() time.Time
}

// NewSessionManager creates the session manager agent.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	s := &SessionManager{
		Base: agent.New(SessionManagerID, SessionManagerID, agent.WithLogger(logger)),
		now:  time.Now,
	}
	s.Handle(ActionStartSession, s.handleStart)
	s.Handle(ActionEndSession, s.handleEnd)
	s.Handle(ActionAddEffect, s.handleAddEffect)
	s.Handle(ActionListEffects, s.handleListEffects)
	s.Handle(orchestrator.DefaultCommandAction, s.handleCommand)
	return s
}

// handleStart answers the caller before announcing the session to the table.
func (s *SessionManager) handleStart(ctx context.Context, msg *comms.Message) (agent.Result, error) {
	name, _ := msg.Data["name"].(string)
	s.mu.Lock()
	if s.current != nil {
		id := s.current.id
		s.mu.Unlock()
		return agent.Reply(comms.Failure("session already active: " + id)), nil
	}
	sess := &session{id: uuid.NewString(), name: name, startedAt: s.now()}
	s.current = sess
	s.mu.Unlock()

	if err := s.Respond(ctx, msg, comms.Payload{"success": true, "session_id": sess.id, "name": sess.name}); err != nil {
		return agent.NoReply(), err
	}
	if _, err := s.BroadcastEvent(ctx, EventSessionStarted, comms.Payload{"session_id": sess.id, "name": sess.name}); err != nil {
		s.Logger().Warn("announce session", "err", err)
	}
	return agent.Responded(), nil
}

func (s *SessionManager) handleEnd(ctx context.Context, _ *comms.Message) (agent.Result, error) {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.effects = nil
	s.mu.Unlock()
	if sess == nil {
		return agent.Reply(comms.Failure("no active session")), nil
	}

	dur := s.now().Sub(sess.startedAt).Seconds()
	if _, err := s.BroadcastEvent(ctx, EventSessionEnded, comms.Payload{"session_id": sess.id}); err != nil {
		s.Logger().Warn("announce session end", "err", err)
	}
	return agent.Reply(comms.Payload{"success": true, "session_id": sess.id, "duration_seconds": dur}), nil
}

func (s *SessionManager) handleAddEffect(_ context.Context, msg *comms.Message) (agent.Result, error) {
	target, _ := msg.Data["target"].(string)
	name, _ := msg.Data["name"].(string)
	secs, ok := number(msg.Data["duration_seconds"])
	if target == "" || name == "" || !ok || secs <= 0 {
		return agent.Reply(comms.Failure("add_effect requires target, name and a positive duration_seconds")), nil
	}

	eff := Effect{Target: target, Name: name, Expires: s.now().Add(time.Duration(secs * float64(time.Second)))}
	s.mu.Lock()
	s.effects = append(s.effects, eff)
	s.mu.Unlock()
	return agent.Reply(comms.Payload{"success": true, "expires_at": eff.Expires.Format(time.RFC3339)}), nil
}

func (s *SessionManager) handleListEffects(context.Context, *comms.Message) (agent.Result, error) {
	effects := s.Effects()
	list := make([]map[string]any, 0, len(effects))
	for _, e := range effects {
		list = append(list, map[string]any{
			"target":     e.Target,
			"name":       e.Name,
			"expires_at": e.Expires.Format(time.RFC3339),
		})
	}
	return agent.Reply(comms.Payload{"success": true, "effects": list}), nil
}

func (s *SessionManager) handleCommand(context.Context, *comms.Message) (agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := comms.Payload{"success": true, "active": s.current != nil, "effects": len(s.effects)}
	if s.current != nil {
		res["session_id"] = s.current.id
		res["name"] = s.current.name
	}
	return agent.Reply(res), nil
}

// Effects returns the active effects ordered by expiry.
func (s *SessionManager) Effects() []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Effect(nil), s.effects...)
	sort.Slice(out, func(i, j int) bool { return out[i].Expires.Before(out[j].Expires) })
	return out
}

// ProcessTick removes expired effects and announces each one.
func (s *SessionManager) ProcessTick(ctx context.Context) error {
	now := s.now()
	s.mu.Lock()
	var expired []Effect
	kept := s.effects[:0]
	for _, e := range s.effects {
		if now.Before(e.Expires) {
			kept = append(kept, e)
		} else {
			expired = append(expired, e)
		}
	}
	s.effects = kept
	s.mu.Unlock()

	for _, e := range expired {
		if _, err := s.BroadcastEvent(ctx, EventEffectExpired, comms.Payload{"target": e.Target, "name": e.Name}); err != nil {
			return err
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
