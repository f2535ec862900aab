// Package orchestrator owns the message bus and the agent population. It
// drives the cooperative tick loop, correlates requests with responses,
// forwards agent events to external handlers and routes command envelopes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// SenderID is the sender id of every message the orchestrator originates.
const SenderID = "orchestrator"

const (
	DefaultTickInterval   = 500 * time.Millisecond
	DefaultEventWindow    = 512
	DefaultCommandTimeout = 10 * time.Second
	defaultJoinTimeout    = 2 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTickInterval sets how often running agents receive ProcessTick.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEventWindow sets how many forwarded event ids are remembered.
func WithEventWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventWindow = n
		}
	}
}

// WithIntents adds or overrides intent → agent id routes.
func WithIntents(routes map[string]string) Option {
	return func(o *Orchestrator) { maps.Copy(o.intents, routes) }
}

// WithBridge sets the external command bridge tried before local routing.
func WithBridge(b Bridge) Option {
	return func(o *Orchestrator) { o.bridge = b }
}

// WithCommandTimeout sets the wait bound for envelopes without a timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

// Orchestrator coordinates a dynamic set of agents over one bus.
type Orchestrator struct {
	bus    *comms.Bus
	roster *agent.Roster
	logger *slog.Logger
	tracer trace.Tracer

	tickInterval   time.Duration
	commandTimeout time.Duration
	intents        map[string]string
	bridge         Bridge

	eventMu       sync.RWMutex
	eventHandlers map[string][]EventHandler
	eventWindow   int
	forwarded     *lru.Cache[string, struct{}]

	cron      *cron.Cron
	schedMu   sync.Mutex
	schedules map[cron.EntryID]ScheduledBroadcast

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	tickDone chan struct{}
}

// New creates an Orchestrator over bus. A nil bus gets a default one.
func New(bus *comms.Bus, opts ...Option) *Orchestrator {
	if bus == nil {
		bus = comms.NewBus()
	}
	o := &Orchestrator{
		bus:            bus,
		roster:         agent.NewRoster(),
		logger:         slog.Default(),
		tracer:         otel.Tracer("dungeonmaster/orchestrator"),
		tickInterval:   DefaultTickInterval,
		commandTimeout: DefaultCommandTimeout,
		intents:        maps.Clone(DefaultIntents),
		eventHandlers:  make(map[string][]EventHandler),
		eventWindow:    DefaultEventWindow,
		cron:           cron.New(),
		schedules:      make(map[cron.EntryID]ScheduledBroadcast),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.forwarded, _ = lru.New[string, struct{}](o.eventWindow) // window is always positive
	return o
}

// Bus returns the underlying message bus.
func (o *Orchestrator) Bus() *comms.Bus { return o.bus }

// Register adds a to the bus and to the orchestrator's registry. Agents
// registered after Start are ticked once running but are not started here.
func (o *Orchestrator) Register(a comms.Agent) error {
	if err := o.bus.Register(a); err != nil {
		return err
	}
	o.roster.Add(a)
	o.logger.Info("agent registered", "agent_id", a.ID(), "type", a.Type())
	return nil
}

// Unregister removes the agent from the bus and the registry.
func (o *Orchestrator) Unregister(id string) bool {
	o.bus.Unregister(id)
	return o.roster.Remove(id)
}

// Agent returns the registered agent with the given id.
func (o *Orchestrator) Agent(id string) (comms.Agent, bool) {
	return o.roster.Get(id)
}

// Start launches the bus worker, starts every registered agent, then the
// tick loop and the broadcast scheduler. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true

	o.bus.Start()
	o.roster.StartAll()

	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.tickDone = make(chan struct{})
	go o.tickLoop(tickCtx, o.tickDone)

	o.cron.Start()
	o.logger.Info("orchestrator started",
		"agents", o.roster.Len(), "tick_interval", o.tickInterval)
}

// Stop stops the agents, the bus and the tick loop, in that order. Stop
// before Start is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false

	o.roster.StopAll()
	o.bus.Stop()

	o.cancel()
	select {
	case <-o.tickDone:
	case <-time.After(defaultJoinTimeout):
		o.logger.Warn("tick loop did not exit in time")
	}

	select {
	case <-o.cron.Stop().Done():
	case <-time.After(defaultJoinTimeout):
		o.logger.Warn("scheduled broadcasts still running at shutdown")
	}
	o.logger.Info("orchestrator stopped")
}

// Running reports whether the orchestrator has been started.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) tickLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one ProcessTick on every running agent. A failing or panicking
// agent never prevents the others from being ticked.
func (o *Orchestrator) Tick(ctx context.Context) {
	for _, a := range o.roster.List() {
		if ctx.Err() != nil {
			return
		}
		if !a.Running() {
			continue
		}
		if err := o.tickAgent(ctx, a); err != nil {
			o.logger.Warn("agent tick failed", "agent_id", a.ID(), "err", err)
		}
	}
}

func (o *Orchestrator) tickAgent(ctx context.Context, a comms.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.ProcessTick(ctx)
}

// SendToAgent sends a REQUEST from the orchestrator and returns its id.
func (o *Orchestrator) SendToAgent(ctx context.Context, receiver, action string, data comms.Payload) (string, error) {
	msg := comms.NewMessage(SenderID, receiver, comms.TypeRequest, action, data)
	if err := o.bus.Send(msg); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", action, receiver, err)
	}
	o.logger.DebugContext(ctx, "request sent", "message_id", msg.ID, "receiver_id", receiver, "action", action)
	return msg.ID, nil
}

// AwaitResponse waits up to timeout for the RESPONSE to messageID. It reports
// false when no response arrived in time; it never returns an error.
func (o *Orchestrator) AwaitResponse(ctx context.Context, messageID string, timeout time.Duration) (*comms.Message, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := o.bus.Await(ctx, messageID)
	if err != nil {
		o.logger.DebugContext(ctx, "no response", "message_id", messageID, "timeout", timeout)
		return nil, false
	}
	return &msg, true
}

// Request sends a REQUEST and waits for its response payload.
func (o *Orchestrator) Request(ctx context.Context, receiver, action string, data comms.Payload, timeout time.Duration) (comms.Payload, bool) {
	id, err := o.SendToAgent(ctx, receiver, action, data)
	if err != nil {
		o.logger.WarnContext(ctx, "request not sent", "receiver_id", receiver, "action", action, "err", err)
		return nil, false
	}
	resp, ok := o.AwaitResponse(ctx, id, timeout)
	if !ok {
		return nil, false
	}
	return resp.Data, true
}

// Broadcast sends a BROADCAST from the orchestrator to every agent.
func (o *Orchestrator) Broadcast(ctx context.Context, action string, data comms.Payload) (string, error) {
	msg := comms.NewMessage(SenderID, comms.Broadcast, comms.TypeBroadcast, action, data)
	if err := o.bus.Send(msg); err != nil {
		return "", fmt.Errorf("broadcast %s: %w", action, err)
	}
	o.logger.DebugContext(ctx, "broadcast sent", "message_id", msg.ID, "action", action)
	return msg.ID, nil
}

// AgentStatus returns metadata for every registered agent keyed by id.
func (o *Orchestrator) AgentStatus() map[string]agent.Info {
	return o.roster.Describe()
}

// History returns recent bus history, optionally filtered to one agent.
func (o *Orchestrator) History(agentID string, limit int) []comms.Message {
	return o.bus.History(agentID, limit)
}

// Stats returns the bus counters.
func (o *Orchestrator) Stats() comms.Stats {
	return o.bus.Stats()
}
