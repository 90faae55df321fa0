package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// EventKind names a frame on the push channel.
type EventKind string

// Inbound events.
const (
	EventMessageNew          EventKind = "message:new"
	EventMessageSent         EventKind = "message:sent"
	EventMessageRead         EventKind = "message:read"
	EventConversationUpdated EventKind = "conversation:updated"
	EventProposalReceived    EventKind = "proposal:received"
	EventProposalAccepted    EventKind = "proposal:accepted"
	EventProposalRejected    EventKind = "proposal:rejected"
	EventServiceCancelled    EventKind = "service:cancelled"
	EventConversationDeleted EventKind = "conversation:deleted"
	EventPong                EventKind = "pong"
)

// Lifecycle events emitted locally, never read from the wire.
const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Outbound events.
const (
	EventMessageSend EventKind = "message:send"
	EventPing        EventKind = "ping"
)

var (
	errMalformedFrame = errors.New("malformed frame")
	errUnknownEvent   = errors.New("unknown event")
)

// Event is one decoded push event.
type Event interface {
	Kind() EventKind
}

type MessageNew struct {
	Message models.Message `json:"message"`
}

// MessageSent acknowledges an outbound message. Message carries the
// server ID and authoritative createdAt.
type MessageSent struct {
	TempID  string         `json:"tempId"`
	Message models.Message `json:"message"`
}

type MessagesRead struct {
	ConversationID string      `json:"conversationId"`
	MessageIDs     []string    `json:"messageIds"`
	Reader         models.User `json:"reader"`
	At             time.Time   `json:"readAt"`
}

type ConversationUpdated struct {
	Conversation models.Conversation `json:"conversation"`
}

type ProposalReceived struct {
	ProposalID   string              `json:"proposalId"`
	Conversation models.Conversation `json:"conversation"`
}

type ProposalAccepted struct {
	ConversationID string `json:"conversationId"`
	ProposalID     string `json:"proposalId"`
}

type ProposalRejected struct {
	ConversationID string `json:"conversationId"`
	ProposalID     string `json:"proposalId"`
}

type ServiceCancelled struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason,omitempty"`
}

type ConversationDeleted struct {
	ConversationID string `json:"conversationId"`
}

type Pong struct{}

type Connected struct{}

type Disconnected struct {
	Err error
}

func (MessageNew) Kind() EventKind          { return EventMessageNew }
func (MessageSent) Kind() EventKind         { return EventMessageSent }
func (MessagesRead) Kind() EventKind        { return EventMessageRead }
func (ConversationUpdated) Kind() EventKind { return EventConversationUpdated }
func (ProposalReceived) Kind() EventKind    { return EventProposalReceived }
func (ProposalAccepted) Kind() EventKind    { return EventProposalAccepted }
func (ProposalRejected) Kind() EventKind    { return EventProposalRejected }
func (ServiceCancelled) Kind() EventKind    { return EventServiceCancelled }
func (ConversationDeleted) Kind() EventKind { return EventConversationDeleted }
func (Pong) Kind() EventKind                { return EventPong }
func (Connected) Kind() EventKind           { return EventConnected }
func (Disconnected) Kind() EventKind        { return EventDisconnected }

// frame is the wire envelope for every push frame.
type frame struct {
	Event EventKind `json:"event"`
	Data  any       `json:"data,omitempty"`
}

// Decode turns a raw frame into a typed event. Frames that are not valid
// JSON, carry an unknown event name, or lack the fields their kind
// requires are rejected; nothing partially decoded is returned.
func Decode(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, errMalformedFrame
	}

	name := EventKind(gjson.GetBytes(data, "event").String())
	raw := gjson.GetBytes(data, "data").Raw

	switch name {
	case EventPong:
		return Pong{}, nil

	case EventMessageNew:
		var m models.Message
		if err := decodeData(raw, &m); err != nil {
			return nil, err
		}

		if err := validMessage(m); err != nil {
			return nil, err
		}

		return MessageNew{Message: m}, nil

	case EventMessageSent:
		var ev MessageSent
		if err := decodeData(raw, &ev); err != nil {
			return nil, err
		}

		if ev.TempID == "" || ev.Message.ID == "" {
			return nil, fmt.Errorf("%w: ack needs tempId and message id", errMalformedFrame)
		}

		if ev.Message.TempID == "" {
			ev.Message.TempID = ev.TempID
		}

		return ev, nil

	case EventMessageRead:
		var ev MessagesRead
		if err := decodeData(raw, &ev); err != nil {
			return nil, err
		}

		if ev.ConversationID == "" || ev.Reader.ID == "" {
			return nil, fmt.Errorf("%w: read receipt needs conversationId and reader", errMalformedFrame)
		}

		return ev, nil

	case EventConversationUpdated:
		var c models.Conversation
		if err := decodeData(raw, &c); err != nil {
			return nil, err
		}

		if c.ID == "" {
			return nil, fmt.Errorf("%w: conversation needs id", errMalformedFrame)
		}

		return ConversationUpdated{Conversation: c}, nil

	case EventProposalReceived:
		var ev ProposalReceived
		if err := decodeData(raw, &ev); err != nil {
			return nil, err
		}

		if ev.Conversation.ID == "" {
			return nil, fmt.Errorf("%w: proposal needs conversation", errMalformedFrame)
		}

		return ev, nil

	case EventProposalAccepted:
		var ev ProposalAccepted
		if err := decodeConversationEvent(raw, &ev, &ev.ConversationID); err != nil {
			return nil, err
		}

		return ev, nil

	case EventProposalRejected:
		var ev ProposalRejected
		if err := decodeConversationEvent(raw, &ev, &ev.ConversationID); err != nil {
			return nil, err
		}

		return ev, nil

	case EventServiceCancelled:
		var ev ServiceCancelled
		if err := decodeConversationEvent(raw, &ev, &ev.ConversationID); err != nil {
			return nil, err
		}

		return ev, nil

	case EventConversationDeleted:
		var ev ConversationDeleted
		if err := decodeConversationEvent(raw, &ev, &ev.ConversationID); err != nil {
			return nil, err
		}

		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, name)
	}
}

func decodeData(raw string, v any) error {
	if raw == "" {
		return fmt.Errorf("%w: missing data", errMalformedFrame)
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %w", errMalformedFrame, err)
	}

	return nil
}

func decodeConversationEvent(raw string, v any, id *string) error {
	if err := decodeData(raw, v); err != nil {
		return err
	}

	if *id == "" {
		return fmt.Errorf("%w: missing conversationId", errMalformedFrame)
	}

	return nil
}

func validMessage(m models.Message) error {
	if m.ConversationID == "" {
		return fmt.Errorf("%w: message needs conversationId", errMalformedFrame)
	}

	if m.ID == "" && m.TempID == "" {
		return fmt.Errorf("%w: message needs id or tempId", errMalformedFrame)
	}

	return nil
}

// encodeFrame builds an outbound frame.
func encodeFrame(kind EventKind, data any) ([]byte, error) {
	b, err := json.Marshal(frame{Event: kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", kind, err)
	}

	return b, nil
}
