package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/comms"
)

type stubBridge struct {
	res   comms.Payload
	err   error
	calls int
	last  Envelope
}

func (b *stubBridge) HandleCommand(_ context.Context, env Envelope) (comms.Payload, error) {
	b.calls++
	b.last = env
	return b.res, b.err
}

func combatAgent() *agent.Base {
	combat := agent.New("combat_engine", "combat_engine")
	combat.Handle(DefaultCommandAction, func(_ context.Context, msg *comms.Message) (agent.Result, error) {
		return agent.Reply(comms.Payload{
			"success":    true,
			"text":       msg.Data["text"],
			"intent":     msg.Data["intent"],
			"command_id": msg.Data["command_id"],
			"target":     msg.Data["target"],
		}), nil
	})
	combat.Handle("start_combat", func(context.Context, *comms.Message) (agent.Result, error) {
		return agent.Reply(comms.Payload{"success": true, "round": 1}), nil
	})
	return combat
}

func TestHandleCommandEnvelope_RoutesByIntent(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Register(combatAgent()))
	o.Start(context.Background())

	res := o.HandleCommandEnvelope(context.Background(), Envelope{
		ID:             "cmd-1",
		Intent:         "combat",
		Text:           "attack the goblin",
		Data:           comms.Payload{"target": "goblin"},
		TimeoutSeconds: 2,
	})
	assert.Equal(t, comms.Payload{
		"success":    true,
		"text":       "attack the goblin",
		"intent":     "combat",
		"command_id": "cmd-1",
		"target":     "goblin",
	}, res)

	res = o.HandleCommandEnvelope(context.Background(), Envelope{Intent: "combat", Action: "start_combat"})
	assert.Equal(t, comms.Payload{"success": true, "round": 1}, res)
}

func TestHandleCommandEnvelope_UnknownIntent(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Start(context.Background())

	res := o.HandleCommandEnvelope(context.Background(), Envelope{Intent: "dance"})
	assert.False(t, res.Succeeded())
	assert.Equal(t, "no agent for intent: dance", res["error"])
}

func TestHandleCommandEnvelope_AgentNotRegistered(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Start(context.Background())

	res := o.HandleCommandEnvelope(context.Background(), Envelope{Intent: "npc"})
	assert.False(t, res.Succeeded())
	assert.Equal(t, "agent not available: npc_controller", res["error"])
}

func TestHandleCommandEnvelope_Timeout(t *testing.T) {
	o := newTestOrchestrator(t)
	slow := agent.New("rule_enforcer", "rule_enforcer")
	slow.Handle(DefaultCommandAction, func(context.Context, *comms.Message) (agent.Result, error) {
		return agent.NoReply(), nil
	})
	require.NoError(t, o.Register(slow))
	o.Start(context.Background())

	start := time.Now()
	res := o.HandleCommandEnvelope(context.Background(), Envelope{Intent: "rules", TimeoutSeconds: 0.05})
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Succeeded())
	assert.Contains(t, res["error"], "timed out")
}

func TestHandleCommandEnvelope_BridgeFirst(t *testing.T) {
	bridge := &stubBridge{res: comms.Payload{"success": true, "answer": "from rag"}}
	o := newTestOrchestrator(t, WithBridge(bridge))
	require.NoError(t, o.Register(combatAgent()))
	o.Start(context.Background())

	res := o.HandleCommandEnvelope(context.Background(), Envelope{Intent: "combat", Text: "who wins?"})
	assert.Equal(t, "from rag", res["answer"])
	assert.Equal(t, 1, bridge.calls)
	assert.NotEmpty(t, bridge.last.ID)
	assert.Zero(t, o.Stats().HistoryLen)
}

func TestHandleCommandEnvelope_BridgeFailureFallsBack(t *testing.T) {
	bridge := &stubBridge{err: errors.New("connection refused")}
	o := newTestOrchestrator(t, WithBridge(bridge))
	require.NoError(t, o.Register(combatAgent()))
	o.Start(context.Background())

	res := o.HandleCommandEnvelope(context.Background(), Envelope{Intent: "combat", Action: "start_combat", TimeoutSeconds: 2})
	assert.Equal(t, comms.Payload{"success": true, "round": 1}, res)
	assert.Equal(t, 1, bridge.calls)
}

func TestResolveIntent_Overrides(t *testing.T) {
	o := newTestOrchestrator(t, WithIntents(map[string]string{"dice": "lucky_dice", "loot": "inventory_manager"}))
	require.NoError(t, o.Register(agent.New("lucky_dice", "dice")))

	target, err := o.ResolveIntent("dice")
	require.NoError(t, err)
	assert.Equal(t, "lucky_dice", target)

	_, err = o.ResolveIntent("loot")
	require.ErrorIs(t, err, ErrAgentUnavailable)

	_, err = o.ResolveIntent("dance")
	require.ErrorIs(t, err, ErrUnknownIntent)

	assert.Equal(t, "dice_roller", DefaultIntents["dice"])
}

func TestEnvelope_Timeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, Envelope{}.Timeout(3*time.Second))
	assert.Equal(t, 1500*time.Millisecond, Envelope{TimeoutSeconds: 1.5}.Timeout(3*time.Second))
}
