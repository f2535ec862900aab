package comms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent records deliveries and optionally runs a hook on each one.
type fakeAgent struct {
	id  string
	bus Sender

	mu       sync.Mutex
	received []*Message
	onMsg    func(bus Sender, msg *Message) error
}

func newFakeAgent(id string) *fakeAgent { return &fakeAgent{id: id} }

func (f *fakeAgent) ID() string   { return f.id }
func (f *fakeAgent) Type() string { return "fake" }
func (f *fakeAgent) Attach(bus Sender) error {
	f.bus = bus
	return nil
}
func (f *fakeAgent) HandleMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	f.received = append(f.received, msg)
	hook := f.onMsg
	f.mu.Unlock()
	if hook != nil {
		return hook(f.bus, msg)
	}
	return nil
}
func (f *fakeAgent) Start()                            {}
func (f *fakeAgent) Stop()                             {}
func (f *fakeAgent) Running() bool                     { return true }
func (f *fakeAgent) ProcessTick(context.Context) error { return nil }

func (f *fakeAgent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func startBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	b := NewBus(opts...)
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func waitHistory(t *testing.T, b *Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Stats().HistoryLen >= n },
		2*time.Second, 5*time.Millisecond)
}

func TestBus_DirectDelivery(t *testing.T) {
	b := startBus(t)
	a, c := newFakeAgent("a"), newFakeAgent("c")
	require.NoError(t, b.Register(a))
	require.NoError(t, b.Register(c))

	require.NoError(t, b.Send(NewMessage("x", "a", TypeRequest, "ping", nil)))
	waitHistory(t, b, 1)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, c.count())
}

func TestBus_BroadcastExcludesSender(t *testing.T) {
	b := startBus(t)
	agents := map[string]*fakeAgent{}
	for _, id := range []string{"a", "b", "c"} {
		agents[id] = newFakeAgent(id)
		require.NoError(t, b.Register(agents[id]))
	}

	require.NoError(t, b.Send(NewMessage("a", Broadcast, TypeEvent, "e", nil)))
	waitHistory(t, b, 1)

	assert.Equal(t, 0, agents["a"].count())
	assert.Equal(t, 1, agents["b"].count())
	assert.Equal(t, 1, agents["c"].count())
}

func TestBus_MissingReceiverIsRecorded(t *testing.T) {
	b := startBus(t)
	require.NoError(t, b.Send(NewMessage("x", "ghost", TypeRequest, "ping", nil)))
	waitHistory(t, b, 1)

	hist := b.History("ghost", 0)
	require.Len(t, hist, 1)
	assert.Equal(t, "ping", hist[0].Action)
}

func TestBus_SendBeforeStart(t *testing.T) {
	b := NewBus(WithPollInterval(5 * time.Millisecond))
	a := newFakeAgent("a")
	require.NoError(t, b.Register(a))

	require.NoError(t, b.Send(NewMessage("x", "a", TypeEvent, "queued", nil)))
	assert.Equal(t, 1, b.Stats().Queued)

	b.Start()
	defer b.Stop()
	waitHistory(t, b, 1)
	assert.Equal(t, 1, a.count())
}

func TestBus_HistoryBounded(t *testing.T) {
	b := startBus(t, WithMaxHistory(5))
	for i := 1; i <= 10; i++ {
		require.NoError(t, b.Send(NewMessage("x", "y", TypeEvent, "tick", Payload{"n": i})))
	}
	require.Eventually(t, func() bool {
		hist := b.History("", 1)
		return len(hist) == 1 && hist[0].Data["n"] == 10
	}, 2*time.Second, 5*time.Millisecond)

	hist := b.History("", 100)
	require.Len(t, hist, 5)
	for i, m := range hist {
		assert.Equal(t, 6+i, m.Data["n"])
	}
}

func TestBus_HistoryFilterAndLimit(t *testing.T) {
	b := startBus(t)
	require.NoError(t, b.Send(NewMessage("lead", "a", TypeRequest, "one", nil)))
	require.NoError(t, b.Send(NewMessage("a", "lead", TypeResponse, "one", nil)))
	require.NoError(t, b.Send(NewMessage("lead", "b", TypeRequest, "two", nil)))
	require.NoError(t, b.Send(NewMessage("lead", "a", TypeRequest, "three", nil)))
	waitHistory(t, b, 4)

	hist := b.History("a", 0)
	require.Len(t, hist, 3)
	assert.Equal(t, "one", hist[0].Action)
	assert.Equal(t, "three", hist[2].Action)

	hist = b.History("a", 2)
	require.Len(t, hist, 2)
	assert.Equal(t, TypeResponse, hist[0].Type)
}

func TestBus_HandlerSendsRecordedAfterTrigger(t *testing.T) {
	b := startBus(t)
	a := newFakeAgent("a")
	a.onMsg = func(bus Sender, msg *Message) error {
		if msg.Type != TypeRequest {
			return nil
		}
		return bus.Send(NewResponse(msg, "a", Payload{"success": true}))
	}
	require.NoError(t, b.Register(a))

	req := NewMessage("x", "a", TypeRequest, "q", nil)
	require.NoError(t, b.Send(req))
	waitHistory(t, b, 2)

	hist := b.History("", 0)
	assert.Equal(t, req.ID, hist[0].ID)
	assert.Equal(t, req.ID, hist[1].ResponseTo)
}

func TestBus_WorkerSurvivesPanicAndError(t *testing.T) {
	b := startBus(t)
	bad := newFakeAgent("bad")
	bad.onMsg = func(Sender, *Message) error { panic("boom") }
	failing := newFakeAgent("failing")
	failing.onMsg = func(Sender, *Message) error { return errors.New("nope") }
	good := newFakeAgent("good")
	for _, a := range []*fakeAgent{bad, failing, good} {
		require.NoError(t, b.Register(a))
	}

	require.NoError(t, b.Send(NewMessage("x", "bad", TypeEvent, "e", nil)))
	require.NoError(t, b.Send(NewMessage("x", "failing", TypeEvent, "e", nil)))
	require.NoError(t, b.Send(NewMessage("x", "good", TypeEvent, "e", nil)))
	waitHistory(t, b, 3)

	assert.Equal(t, 1, good.count())
	assert.Equal(t, uint64(2), b.Stats().Failed)
	assert.True(t, b.Running())
}

func TestBus_AwaitNotifiedOnResponse(t *testing.T) {
	b := startBus(t)
	req := NewMessage("x", "a", TypeRequest, "q", nil)

	got := make(chan Message, 1)
	go func() {
		m, err := b.Await(context.Background(), req.ID)
		if err == nil {
			got <- m
		}
	}()

	require.NoError(t, b.Send(NewResponse(req, "a", Payload{"success": true})))
	select {
	case m := <-got:
		assert.Equal(t, req.ID, m.ResponseTo)
		assert.True(t, m.Data.Succeeded())
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return")
	}
}

func TestBus_AwaitFindsRecordedResponse(t *testing.T) {
	b := startBus(t)
	req := NewMessage("x", "a", TypeRequest, "q", nil)
	require.NoError(t, b.Send(NewResponse(req, "a", Payload{"v": 1})))
	waitHistory(t, b, 1)

	m, err := b.Await(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Data["v"])
}

func TestBus_AwaitTimeout(t *testing.T) {
	b := startBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Await(ctx, "never")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.waiters)
}

func TestBus_QueueReject(t *testing.T) {
	b := NewBus(WithQueueLimit(2, PolicyReject))
	require.NoError(t, b.Send(NewMessage("x", "y", TypeEvent, "1", nil)))
	require.NoError(t, b.Send(NewMessage("x", "y", TypeEvent, "2", nil)))

	err := b.Send(NewMessage("x", "y", TypeEvent, "3", nil))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBus_QueueDropOldest(t *testing.T) {
	b := NewBus(WithQueueLimit(2, PolicyDropOldest), WithPollInterval(5*time.Millisecond))
	for _, action := range []string{"1", "2", "3"} {
		require.NoError(t, b.Send(NewMessage("x", "y", TypeEvent, action, nil)))
	}
	assert.Equal(t, 2, b.Stats().Queued)

	b.Start()
	defer b.Stop()
	waitHistory(t, b, 2)
	hist := b.History("", 0)
	assert.Equal(t, "2", hist[0].Action)
	assert.Equal(t, "3", hist[1].Action)
}

func TestBus_SendNil(t *testing.T) {
	assert.ErrorIs(t, NewBus().Send(nil), ErrNilMessage)
}

func TestBus_StartStopIdempotent(t *testing.T) {
	b := NewBus()
	b.Stop()
	b.Start()
	b.Start()
	assert.True(t, b.Running())
	b.Stop()
	b.Stop()
	assert.False(t, b.Running())
}

func TestBus_Unregister(t *testing.T) {
	b := startBus(t)
	a := newFakeAgent("a")
	require.NoError(t, b.Register(a))
	b.Unregister("a")

	_, ok := b.Agent("a")
	assert.False(t, ok)
	require.NoError(t, b.Send(NewMessage("x", "a", TypeEvent, "e", nil)))
	waitHistory(t, b, 1)
	assert.Equal(t, 0, a.count())
}

type recordingArchiver struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingArchiver) Archive(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func TestBus_Archiver(t *testing.T) {
	arch := &recordingArchiver{}
	b := startBus(t, WithArchiver(arch))
	require.NoError(t, b.Send(NewMessage("x", "y", TypeEvent, "e", nil)))
	require.Eventually(t, func() bool {
		arch.mu.Lock()
		defer arch.mu.Unlock()
		return len(arch.msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMessage_WireShape(t *testing.T) {
	msg := NewMessage("a", "b", TypeRequest, "roll", Payload{"dice": "1d20"})
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "REQUEST", fields["message_type"])
	assert.Nil(t, fields["response_to"])
	assert.IsType(t, float64(0), fields["timestamp"])

	resp := NewResponse(msg, "b", Failure("bad"))
	raw, err = json.Marshal(resp)
	require.NoError(t, err)
	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, msg.ID, back.ResponseTo)
	assert.Equal(t, "a", back.ReceiverID)
	assert.False(t, back.Data.Succeeded())
	assert.WithinDuration(t, resp.Timestamp, back.Timestamp, time.Millisecond)
}
