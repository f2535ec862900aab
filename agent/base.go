package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

const defaultResponseWindow = 1024

// Option configures a Base.
type Option func(*Base)

// WithLogger sets the agent logger. The agent id is attached to every record.
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithResponseWindow sets how many answered request ids are remembered.
func WithResponseWindow(n int) Option {
	return func(b *Base) { b.window = n }
}

// Base implements comms.Agent. Concrete agents embed *Base, register action
// handlers with Handle and may override ProcessTick.
type Base struct {
	id  string
	typ string

	mu       sync.RWMutex
	handlers map[string]Handler
	bus      comms.Sender

	running   atomic.Bool
	startedAt atomic.Pointer[time.Time]
	window    int
	responded *lru.Cache[string, struct{}]
	logger    *slog.Logger
}

// New creates a Base with the universal broadcast_event and
// game_state_updated handlers already registered.
func New(id, agentType string, opts ...Option) *Base {
	b := &Base{
		id:       id,
		typ:      agentType,
		handlers: make(map[string]Handler),
		window:   defaultResponseWindow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("agent_id", id)
	if b.window < 1 {
		b.window = 1
	}
	b.responded, _ = lru.New[string, struct{}](b.window) // errors only for size < 1

	b.Handle(ActionBroadcastEvent, func(context.Context, *comms.Message) (Result, error) {
		return Reply(comms.Payload{"success": true, "acknowledged": true}), nil
	})
	b.Handle(ActionGameStateUpdated, func(context.Context, *comms.Message) (Result, error) {
		return NoReply(), nil
	})
	return b
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Type() string { return b.typ }

// Logger returns the agent-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Handle registers h for action, replacing any previous handler.
func (b *Base) Handle(action string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[action] = h
}

// Actions returns the registered action names in sorted order.
func (b *Base) Actions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for a := range b.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Attach binds the agent to bus. Re-attaching to the same bus is a no-op.
func (b *Base) Attach(bus comms.Sender) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil && b.bus != bus {
		return comms.ErrAlreadyAttached
	}
	b.bus = bus
	return nil
}

func (b *Base) sender() comms.Sender {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bus
}

func (b *Base) handler(action string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[action]
	return h, ok
}

// HandleMessage dispatches msg to the handler for its action. Every REQUEST
// receives at most one RESPONSE: a failure payload when the action is unknown
// or the handler fails, otherwise the handler's Reply unless it already
// responded. A RESPONSE only reaches a handler registered under
// comms.ResponseAction; request handlers never see it. Delivery does not
// depend on the running flag.
func (b *Base) HandleMessage(ctx context.Context, msg *comms.Message) error {
	action := msg.Action
	if msg.Type == comms.TypeResponse {
		action = comms.ResponseAction(msg.Action)
	}
	h, ok := b.handler(action)
	if !ok {
		if msg.Type == comms.TypeRequest {
			return b.reply(ctx, msg, comms.Failure("No handler for action: "+msg.Action))
		}
		return nil
	}

	res, err := b.invoke(ctx, h, msg)
	if err != nil {
		if msg.Type == comms.TypeRequest {
			if rerr := b.reply(ctx, msg, comms.Failure("Handler error: "+err.Error())); rerr != nil {
				b.logger.Warn("send error response", "message_id", msg.ID, "err", rerr)
			}
		} else {
			b.logger.Warn("handler failed", "action", msg.Action, "message_id", msg.ID, "err", err)
		}
		return fmt.Errorf("agent %s: action %s: %w", b.id, msg.Action, err)
	}

	if msg.Type != comms.TypeRequest {
		return nil
	}
	if data, ok := res.Payload(); ok {
		return b.reply(ctx, msg, data)
	}
	return nil
}

func (b *Base) invoke(ctx context.Context, h Handler, msg *comms.Message) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}

// reply responds to msg unless something already did.
func (b *Base) reply(ctx context.Context, msg *comms.Message, data comms.Payload) error {
	err := b.Respond(ctx, msg, data)
	if errors.Is(err, ErrAlreadyResponded) {
		b.logger.Debug("response already sent, skipping", "message_id", msg.ID)
		return nil
	}
	return err
}

// Send enqueues a message of type typ from this agent and returns its id.
func (b *Base) Send(ctx context.Context, receiver, action string, data comms.Payload, typ comms.MessageType) (string, error) {
	bus := b.sender()
	if bus == nil {
		return "", fmt.Errorf("agent %s: %w", b.id, comms.ErrNotAttached)
	}
	msg := comms.NewMessage(b.id, receiver, typ, action, data)
	if err := bus.Send(msg); err != nil {
		return "", fmt.Errorf("agent %s: send %s: %w", b.id, action, err)
	}
	b.logger.DebugContext(ctx, "message sent",
		"message_id", msg.ID, "receiver_id", receiver, "action", action, "type", typ)
	return msg.ID, nil
}

// Request sends a REQUEST to receiver.
func (b *Base) Request(ctx context.Context, receiver, action string, data comms.Payload) (string, error) {
	return b.Send(ctx, receiver, action, data, comms.TypeRequest)
}

// Respond sends the RESPONSE to original. A second response to the same
// request returns ErrAlreadyResponded and sends nothing.
func (b *Base) Respond(ctx context.Context, original *comms.Message, data comms.Payload) error {
	bus := b.sender()
	if bus == nil {
		return fmt.Errorf("agent %s: %w", b.id, comms.ErrNotAttached)
	}
	if seen, _ := b.responded.ContainsOrAdd(original.ID, struct{}{}); seen {
		return ErrAlreadyResponded
	}
	resp := comms.NewResponse(original, b.id, data)
	if err := bus.Send(resp); err != nil {
		// Nothing went out, so a later response may still be sent.
		b.responded.Remove(original.ID)
		return fmt.Errorf("agent %s: respond to %s: %w", b.id, original.ID, err)
	}
	b.logger.DebugContext(ctx, "response sent", "message_id", resp.ID, "response_to", original.ID)
	return nil
}

// BroadcastEvent sends an EVENT to every other agent.
func (b *Base) BroadcastEvent(ctx context.Context, action string, data comms.Payload) (string, error) {
	return b.Send(ctx, comms.Broadcast, action, data, comms.TypeEvent)
}

func (b *Base) Start() {
	if !b.running.Swap(true) {
		now := time.Now()
		b.startedAt.Store(&now)
		b.logger.Info("agent started", "type", b.typ)
	}
}

func (b *Base) Stop() {
	if b.running.Swap(false) {
		b.logger.Info("agent stopped", "type", b.typ)
	}
}

func (b *Base) Running() bool { return b.running.Load() }

// ProcessTick is a no-op; agents with periodic work override it.
func (b *Base) ProcessTick(context.Context) error { return nil }

// Info returns the agent's current metadata.
func (b *Base) Info() Info {
	info := Info{
		ID:      b.id,
		Type:    b.typ,
		Label:   Label(b.typ),
		Running: b.Running(),
		Actions: b.Actions(),
	}
	started := b.startedAt.Load()
	switch {
	case info.Running:
		info.Status = StatusRunning
		if started != nil {
			info.StartedAt = *started
		}
	case started != nil:
		info.Status = StatusStopped
	case b.sender() != nil:
		info.Status = StatusRegistered
	default:
		info.Status = StatusCreated
	}
	return info
}
