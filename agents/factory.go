package agents

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// Constructor builds one built-in agent.
type Constructor func(logger *slog.Logger) comms.Agent

var builtins = map[string]Constructor{
	DiceRollerID:     func(l *slog.Logger) comms.Agent { return NewDiceRoller(l) },
	SessionManagerID: func(l *slog.Logger) comms.Agent { return NewSessionManager(l) },
}

// Available lists the built-in agent names.
func Available() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs the named built-in agents in order.
func Build(names []string, logger *slog.Logger) ([]comms.Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(names))
	out := make([]comms.Agent, 0, len(names))
	for _, name := range names {
		ctor, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("unknown agent %q (available: %v)", name, Available())
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, ctor(logger))
	}
	return out, nil
}
