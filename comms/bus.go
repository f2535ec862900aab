package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueuePolicy controls what Send does when a bounded queue is full.
type QueuePolicy string

const (
	PolicyUnbounded  QueuePolicy = ""            // queue grows without limit
	PolicyDropOldest QueuePolicy = "drop_oldest" // evict the oldest queued message
	PolicyReject     QueuePolicy = "reject"      // Send returns ErrQueueFull
)

const (
	DefaultMaxHistory   = 1000
	DefaultHistoryLimit = 100
	defaultJoinTimeout  = 2 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Stats is a snapshot of bus counters.
type Stats struct {
	Queued     int    `json:"queued"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	HistoryLen int    `json:"history_len"`
	Running    bool   `json:"running"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxHistory sets the history ring size. Values below 1 keep the default.
func WithMaxHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHist = n
		}
	}
}

// WithQueueLimit bounds the work queue. A limit of 0 leaves it unbounded.
func WithQueueLimit(limit int, policy QueuePolicy) Option {
	return func(b *Bus) {
		b.queueLimit = limit
		b.policy = policy
	}
}

// WithJoinTimeout bounds how long Stop waits for the worker to exit.
func WithJoinTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.joinTimeout = d
		}
	}
}

// WithPollInterval sets the worker's idle wake-up interval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithArchiver forwards every recorded message to a.
func WithArchiver(a Archiver) Option {
	return func(b *Bus) { b.archiver = a }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is an in-process message bus with a single delivery worker.
// Every dequeued message is delivered and then recorded in history before the
// next one is taken, so handler-issued sends always land after the message
// that triggered them.
type Bus struct {
	mu       sync.Mutex
	agents   map[string]Agent
	order    []string // registration order, used for broadcast iteration
	history  []Message
	maxHist  int
	waiters  map[string][]chan Message
	queue    []*Message
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	notifyCh chan struct{}

	queueLimit   int
	policy       QueuePolicy
	joinTimeout  time.Duration
	pollInterval time.Duration
	archiver     Archiver
	logger       *slog.Logger
	tracer       trace.Tracer

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewBus creates a Bus. The worker is not started until Start.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		agents:       make(map[string]Agent),
		waiters:      make(map[string][]chan Message),
		maxHist:      DefaultMaxHistory,
		joinTimeout:  defaultJoinTimeout,
		pollInterval: defaultPollInterval,
		notifyCh:     make(chan struct{}, 1),
		logger:       slog.Default(),
		tracer:       otel.Tracer("dungeonmaster/comms"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a to the delivery registry and attaches the bus to it.
// A later registration with the same id replaces the earlier one.
func (b *Bus) Register(a Agent) error {
	if err := a.Attach(b); err != nil {
		return fmt.Errorf("register %s: %w", a.ID(), err)
	}
	b.mu.Lock()
	if _, ok := b.agents[a.ID()]; !ok {
		b.order = append(b.order, a.ID())
	}
	b.agents[a.ID()] = a
	b.mu.Unlock()
	b.logger.Debug("agent registered", "agent_id", a.ID(), "type", a.Type())
	return nil
}

// Unregister removes id from the delivery registry. Queued direct messages
// for it are dropped at delivery time.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[id]; !ok {
		return
	}
	delete(b.agents, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Agent returns the registered agent with the given id.
func (b *Bus) Agent(id string) (Agent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[id]
	return a, ok
}

// Send enqueues msg for delivery. It never blocks and succeeds while the
// worker is stopped; only a full queue under PolicyReject fails.
func (b *Bus) Send(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	b.mu.Lock()
	if b.queueLimit > 0 && len(b.queue) >= b.queueLimit {
		switch b.policy {
		case PolicyReject:
			b.mu.Unlock()
			b.dropped.Add(1)
			return fmt.Errorf("send %s: %w", msg.ID, ErrQueueFull)
		case PolicyDropOldest:
			evicted := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.dropped.Add(1)
			b.logger.Warn("queue full, dropping oldest message",
				"message_id", evicted.ID, "action", evicted.Action)
		}
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the delivery worker. Calling Start on a running bus is a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run(b.stopCh, b.doneCh)
	b.logger.Info("message bus started")
}

// Stop halts the worker and waits up to the join timeout for it to exit.
// Messages still queued stay queued for a later Start.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	done := b.doneCh
	b.mu.Unlock()

	select {
	case <-done:
		b.logger.Info("message bus stopped")
	case <-time.After(b.joinTimeout):
		b.logger.Warn("message bus worker did not exit in time", "timeout", b.joinTimeout)
	}
}

// Running reports whether the worker is active.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// History returns up to limit of the most recent recorded messages, oldest
// first. A non-empty agentID keeps only messages it sent or received.
// limit <= 0 uses DefaultHistoryLimit.
func (b *Bus) History(agentID string, limit int) []Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Message
	for i := len(b.history) - 1; i >= 0 && len(result) < limit; i-- {
		m := b.history[i]
		if agentID == "" || m.Involves(agentID) {
			result = append(result, m)
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}

// Await blocks until a RESPONSE with ResponseTo == requestID is recorded or
// ctx ends. A response already in history is returned immediately.
func (b *Bus) Await(ctx context.Context, requestID string) (Message, error) {
	b.mu.Lock()
	if m, ok := b.findResponseLocked(requestID); ok {
		b.mu.Unlock()
		return m, nil
	}
	ch := make(chan Message, 1)
	b.waiters[requestID] = append(b.waiters[requestID], ch)
	b.mu.Unlock()

	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		b.removeWaiter(requestID, ch)
		// A response may have raced the cancellation.
		select {
		case m := <-ch:
			return m, nil
		default:
		}
		return Message{}, ctx.Err()
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Queued:     len(b.queue),
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
		Failed:     b.failed.Load(),
		HistoryLen: len(b.history),
		Running:    b.running,
	}
}

func (b *Bus) findResponseLocked(requestID string) (Message, bool) {
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if m.Type == TypeResponse && m.ResponseTo == requestID {
			return m, true
		}
	}
	return Message{}, false
}

func (b *Bus) removeWaiter(requestID string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.waiters[requestID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.waiters, requestID)
	} else {
		b.waiters[requestID] = list
	}
}

func (b *Bus) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(b.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if msg := b.pop(); msg != nil {
			b.process(msg)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.pollInterval)
		select {
		case <-stop:
			return
		case <-b.notifyCh:
		case <-timer.C:
		}
	}
}

func (b *Bus) pop() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	msg := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return msg
}

// process delivers msg and then records it. Neither step may kill the worker.
func (b *Bus) process(msg *Message) {
	ctx, span := b.tracer.Start(context.Background(), "comms.deliver",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", string(msg.Type)),
			attribute.String("message.action", msg.Action),
			attribute.String("message.receiver", msg.ReceiverID),
		))
	defer span.End()

	if failures := b.deliver(ctx, msg); failures > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d delivery failure(s)", failures))
	}
	b.record(ctx, msg)
}

func (b *Bus) deliver(ctx context.Context, msg *Message) int {
	targets := b.targets(msg)
	if len(targets) == 0 && !msg.IsBroadcast() {
		b.logger.Debug("no agent for message, dropping",
			"message_id", msg.ID, "receiver_id", msg.ReceiverID, "action", msg.Action)
	}
	failures := 0
	for _, a := range targets {
		if err := b.deliverTo(ctx, a, msg); err != nil {
			failures++
			b.failed.Add(1)
			b.logger.Warn("message delivery failed",
				"agent_id", a.ID(), "message_id", msg.ID, "action", msg.Action, "err", err)
			continue
		}
		b.delivered.Add(1)
	}
	return failures
}

func (b *Bus) targets(msg *Message) []Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.IsBroadcast() {
		out := make([]Agent, 0, len(b.order))
		for _, id := range b.order {
			if id == msg.SenderID {
				continue
			}
			out = append(out, b.agents[id])
		}
		return out
	}
	if a, ok := b.agents[msg.ReceiverID]; ok {
		return []Agent{a}
	}
	return nil
}

func (b *Bus) deliverTo(ctx context.Context, a Agent, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", a.ID(), r)
		}
	}()
	return a.HandleMessage(ctx, msg)
}

func (b *Bus) record(ctx context.Context, msg *Message) {
	m := *msg
	b.mu.Lock()
	b.history = append(b.history, m)
	if len(b.history) > b.maxHist {
		b.history = append(b.history[:0:0], b.history[len(b.history)-b.maxHist:]...)
	}
	var wake []chan Message
	if m.Type == TypeResponse && m.ResponseTo != "" {
		wake = b.waiters[m.ResponseTo]
		delete(b.waiters, m.ResponseTo)
	}
	b.mu.Unlock()

	for _, ch := range wake {
		ch <- m
	}

	if b.archiver != nil {
		if err := b.archiver.Archive(ctx, m); err != nil {
			b.logger.Warn("archive message", "message_id", m.ID, "err", err)
		}
	}
}
