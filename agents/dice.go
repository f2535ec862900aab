// Package agents holds the built-in agents the daemon can enable.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/dungeonmaster/agent"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

const (
	DiceRollerID    = "dice_roller"
	ActionRoll      = "roll"
	EventDiceRolled = "dice_rolled"
	maxDice         = 100
	maxSides        = 1000
	maxModifier     = 1000
	defaultNotation = "1d20"
)

var ErrBadNotation = errors.New("invalid dice notation")

var (
	notationExact = regexp.MustCompile(`(?i)^\s*(\d*)d(\d+)\s*([+-]\s*\d+)?\s*$`)
	notationFind  = regexp.MustCompile(`(?i)\b(\d*)d(\d+)\s*([+-]\s*\d+)?`)
)

// RollResult is the outcome of one dice expression.
type RollResult struct {
	Notation string
	Rolls    []int
	Modifier int
	Total    int
}

// Payload renders the result as a response body.
func (r RollResult) Payload() comms.Payload {
	return comms.Payload{
		"success":  true,
		"notation": r.Notation,
		"rolls":    r.Rolls,
		"modifier": r.Modifier,
		"total":    r.Total,
	}
}

// DiceRoller answers "roll" requests in NdM+K notation and announces every
// roll with a dice_rolled event.
type DiceRoller struct {
	*agent.Base
	intn func(n int) int
}

// NewDiceRoller creates the dice roller agent.
func NewDiceRoller(logger *slog.Logger) *DiceRoller {
	d := &DiceRoller{
		Base: agent.New(DiceRollerID, DiceRollerID, agent.WithLogger(logger)),
		intn: rand.IntN,
	}
	d.Handle(ActionRoll, d.handleRoll)
	d.Handle(orchestrator.DefaultCommandAction, d.handleCommand)
	return d
}

// Roll evaluates notation such as "2d6+3". An empty count means one die.
func (d *DiceRoller) Roll(notation string) (RollResult, error) {
	m := notationExact.FindStringSubmatch(notation)
	if m == nil {
		return RollResult{}, fmt.Errorf("%w: %q", ErrBadNotation, notation)
	}
	return d.roll(m)
}

func (d *DiceRoller) roll(m []string) (RollResult, error) {
	count := 1
	if m[1] != "" {
		count, _ = strconv.Atoi(m[1])
	}
	sides, _ := strconv.Atoi(m[2])
	mod := 0
	if m[3] != "" {
		var err error
		mod, err = strconv.Atoi(strings.ReplaceAll(m[3], " ", ""))
		if err != nil || mod < -maxModifier || mod > maxModifier {
			return RollResult{}, fmt.Errorf("%w: modifier must be -%d to %d", ErrBadNotation, maxModifier, maxModifier)
		}
	}
	if count < 1 || count > maxDice {
		return RollResult{}, fmt.Errorf("%w: dice count must be 1-%d", ErrBadNotation, maxDice)
	}
	if sides < 2 || sides > maxSides {
		return RollResult{}, fmt.Errorf("%w: sides must be 2-%d", ErrBadNotation, maxSides)
	}

	res := RollResult{Rolls: make([]int, count), Modifier: mod}
	for i := range res.Rolls {
		res.Rolls[i] = d.intn(sides) + 1
		res.Total += res.Rolls[i]
	}
	res.Total += mod
	res.Notation = fmt.Sprintf("%dd%d", count, sides)
	if mod > 0 {
		res.Notation += fmt.Sprintf("+%d", mod)
	} else if mod < 0 {
		res.Notation += strconv.Itoa(mod)
	}
	return res, nil
}

func (d *DiceRoller) handleRoll(ctx context.Context, msg *comms.Message) (agent.Result, error) {
	notation, _ := msg.Data["notation"].(string)
	if notation == "" {
		notation = defaultNotation
	}
	res, err := d.Roll(notation)
	if err != nil {
		return agent.Reply(comms.Failure(err.Error())), nil
	}
	d.announce(ctx, msg.SenderID, res)
	return agent.Reply(res.Payload()), nil
}

// handleCommand rolls the first dice expression found in free text.
func (d *DiceRoller) handleCommand(ctx context.Context, msg *comms.Message) (agent.Result, error) {
	text, _ := msg.Data["text"].(string)
	m := notationFind.FindStringSubmatch(text)
	if m == nil {
		m = notationExact.FindStringSubmatch(defaultNotation)
	}
	res, err := d.roll(m)
	if err != nil {
		return agent.Reply(comms.Failure(err.Error())), nil
	}
	d.announce(ctx, msg.SenderID, res)
	return agent.Reply(res.Payload()), nil
}

func (d *DiceRoller) announce(ctx context.Context, requester string, res RollResult) {
	data := res.Payload()
	delete(data, "success")
	data["requested_by"] = requester
	if _, err := d.BroadcastEvent(ctx, EventDiceRolled, data); err != nil {
		d.Logger().Warn("announce roll", "err", err)
	}
}
