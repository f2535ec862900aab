package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// ScheduledBroadcast fires an orchestrator BROADCAST on a cron schedule.
// Spec accepts standard five-field expressions and descriptors such as
// "@daily" or "@every 1h".
type ScheduledBroadcast struct {
	Name   string
	Spec   string
	Action string
	Data   comms.Payload
}

// ScheduleStatus describes a registered scheduled broadcast.
type ScheduleStatus struct {
	Name   string    `json:"name"`
	Spec   string    `json:"spec"`
	Action string    `json:"action"`
	Next   time.Time `json:"next"`
}

// ScheduleBroadcast registers s. Schedules fire only while the orchestrator
// is running.
func (o *Orchestrator) ScheduleBroadcast(s ScheduledBroadcast) error {
	if s.Action == "" {
		return fmt.Errorf("schedule %q: action is required", s.Name)
	}
	name := s.Name
	id, err := o.cron.AddFunc(s.Spec, func() {
		id, err := o.Broadcast(context.Background(), s.Action, s.Data)
		if err != nil {
			o.logger.Warn("scheduled broadcast failed", "schedule", name, "action", s.Action, "err", err)
			return
		}
		o.logger.Info("scheduled broadcast sent", "schedule", name, "action", s.Action, "message_id", id)
	})
	if err != nil {
		return fmt.Errorf("schedule %q: invalid spec %q: %w", s.Name, s.Spec, err)
	}

	o.schedMu.Lock()
	o.schedules[id] = s
	o.schedMu.Unlock()
	o.logger.Info("broadcast scheduled", "schedule", name, "spec", s.Spec, "action", s.Action)
	return nil
}

// Schedules lists the registered scheduled broadcasts ordered by name.
func (o *Orchestrator) Schedules() []ScheduleStatus {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	out := make([]ScheduleStatus, 0, len(o.schedules))
	for id, s := range o.schedules {
		out = append(out, ScheduleStatus{
			Name:   s.Name,
			Spec:   s.Spec,
			Action: s.Action,
			Next:   o.cron.Entry(id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
