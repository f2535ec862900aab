// Package comms provides the inter-agent message bus.
package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	TypeRequest   MessageType = "REQUEST"   // expects exactly one correlated RESPONSE
	TypeResponse  MessageType = "RESPONSE"  // answers a REQUEST via ResponseTo
	TypeEvent     MessageType = "EVENT"     // agent-originated notification
	TypeBroadcast MessageType = "BROADCAST" // orchestrator-originated notification
)

// Broadcast is the reserved receiver id that addresses every agent but the sender.
const Broadcast = "broadcast"

var (
	ErrNotAttached     = errors.New("agent is not registered with a bus")
	ErrAlreadyAttached = errors.New("agent is already registered with another bus")
	ErrQueueFull       = errors.New("message queue full")
	ErrNilMessage      = errors.New("nil message")
)

// Payload is the opaque structured body of a message.
type Payload map[string]any

// Failure builds the structured payload used for every caller-visible error.
func Failure(errMsg string) Payload {
	return Payload{"success": false, "error": errMsg}
}

// Succeeded reports whether p carries success=true.
func (p Payload) Succeeded() bool {
	ok, _ := p["success"].(bool)
	return ok
}

// Message is a communication unit between agents. Messages are treated as
// immutable once sent; Data must not be mutated after Send.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Type       MessageType
	Action     string
	Data       Payload
	Timestamp  time.Time
	ResponseTo string // ID of the REQUEST this message answers
}

// NewMessage builds a message with a fresh id and the current timestamp.
func NewMessage(sender, receiver string, typ MessageType, action string, data Payload) *Message {
	return &Message{
		ID:         uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       typ,
		Action:     action,
		Data:       data,
		Timestamp:  time.Now(),
	}
}

// NewResponse builds the RESPONSE to original, sent by responder.
func NewResponse(original *Message, responder string, data Payload) *Message {
	msg := NewMessage(responder, original.SenderID, TypeResponse, original.Action, data)
	msg.ResponseTo = original.ID
	return msg
}

// ResponseAction is the handler name a requester registers to observe
// RESPONSEs to its action requests.
func ResponseAction(action string) string { return action + "_response" }

// IsBroadcast reports whether the message is addressed to every agent.
func (m *Message) IsBroadcast() bool { return m.ReceiverID == Broadcast }

// Involves reports whether agentID sent or receives the message.
func (m *Message) Involves(agentID string) bool {
	return m.SenderID == agentID || m.ReceiverID == agentID
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s %s->%s (%s)", m.Type, m.Action, m.SenderID, m.ReceiverID, m.ID)
}

// wireMessage is the exported history shape.
type wireMessage struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Type       MessageType `json:"message_type"`
	Action     string      `json:"action"`
	Data       Payload     `json:"data"`
	Timestamp  float64     `json:"timestamp"`
	ResponseTo *string     `json:"response_to"`
}

// MarshalJSON encodes the message in its wire shape: timestamps as float
// seconds and a null response_to when the message answers nothing.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Type:       m.Type,
		Action:     m.Action,
		Data:       m.Data,
		Timestamp:  float64(m.Timestamp.UnixNano()) / float64(time.Second),
	}
	if m.ResponseTo != "" {
		rt := m.ResponseTo
		w.ResponseTo = &rt
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sec, frac := math.Modf(w.Timestamp)
	*m = Message{
		ID:         w.ID,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		Type:       w.Type,
		Action:     w.Action,
		Data:       w.Data,
		Timestamp:  time.Unix(int64(sec), int64(frac*float64(time.Second))),
	}
	if w.ResponseTo != nil {
		m.ResponseTo = *w.ResponseTo
	}
	return nil
}

// Sender accepts messages for delivery.
type Sender interface {
	Send(msg *Message) error
}

// Agent is the minimal surface the bus delivers to.
type Agent interface {
	ID() string
	Type() string

	// Attach binds the agent to the bus it was registered with.
	Attach(bus Sender) error

	// HandleMessage is invoked synchronously on the bus worker.
	HandleMessage(ctx context.Context, msg *Message) error

	Start()
	Stop()
	Running() bool

	// ProcessTick runs periodic background work; driven by the orchestrator.
	ProcessTick(ctx context.Context) error
}

// Archiver receives every message after it is recorded in history.
type Archiver interface {
	Archive(ctx context.Context, msg Message) error
}
