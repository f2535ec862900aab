package agent

import (
	"sync"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// Roster is an ordered set of agents keyed by id. Adding an agent whose id is
// already present replaces it in place.
type Roster struct {
	mu     sync.RWMutex
	order  []string
	agents map[string]comms.Agent
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{agents: make(map[string]comms.Agent)}
}

// Add stores a, replacing any agent with the same id.
func (r *Roster) Add(a comms.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID()]; !ok {
		r.order = append(r.order, a.ID())
	}
	r.agents[a.ID()] = a
}

// Remove drops the agent with the given id and reports whether it was present.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the agent with the given id.
func (r *Roster) Get(id string) (comms.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns a snapshot of the agents in insertion order.
func (r *Roster) List() []comms.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]comms.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of agents.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// StartAll starts every agent in insertion order.
func (r *Roster) StartAll() {
	for _, a := range r.List() {
		a.Start()
	}
}

// StopAll stops every agent in insertion order.
func (r *Roster) StopAll() {
	for _, a := range r.List() {
		a.Stop()
	}
}

// Describe returns metadata for every agent keyed by id.
func (r *Roster) Describe() map[string]Info {
	list := r.List()
	out := make(map[string]Info, len(list))
	for _, a := range list {
		out[a.ID()] = Describe(a)
	}
	return out
}
