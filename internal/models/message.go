// Package models defines the conversation, message and sync types shared
// across internal packages.
package models

import (
	"slices"
	"strings"
	"time"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// MessageStatus is the delivery state of a message. Statuses only move
// forward along sending -> sent -> delivered -> read. Failed is terminal
// until a manual retry puts the message back into sending.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses for conflict resolution. Failed ranks below every
// live status so any server progress wins over a local failure.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// CanAdvanceTo reports whether a message in status s may move to next.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	switch {
	case s == StatusFailed:
		return next == StatusSending || next == StatusFailed
	case next == StatusFailed:
		return s == StatusSending
	default:
		return next.Rank() >= s.Rank()
	}
}

// User is a reference to a participant.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	ThumbURL string `json:"thumbUrl,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Receipt records that a user received or read a message.
type Receipt struct {
	User User      `json:"user"`
	At   time.Time `json:"at"`
}

// Message is a unit of communication within one conversation. ID is
// assigned by the server on acknowledgment; TempID is assigned by the
// client at creation and kept for the message's whole lifetime.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Sender         User          `json:"sender"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"type"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReadBy         []Receipt     `json:"readBy,omitempty"`
	DeliveredTo    []Receipt     `json:"deliveredTo,omitempty"`
	Status         MessageStatus `json:"status"`
	IsTemporary    bool          `json:"isTemporary,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Key returns the identity used for indexing: the server ID when known,
// otherwise the temp ID.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}

	return m.TempID
}

// Authoritative reports whether the message carries a final server ID.
// Authoritative messages are never overwritten by temp-only copies.
func (m Message) Authoritative() bool {
	return m.ID != "" && !m.IsTemporary
}

// IsOwn reports whether userID sent the message.
func (m Message) IsOwn(userID string) bool {
	return userID != "" && m.Sender.ID == userID
}

// HasReceiptFrom reports whether userID has a read receipt on the message.
func (m Message) HasReceiptFrom(userID string) bool {
	return slices.ContainsFunc(m.ReadBy, func(r Receipt) bool {
		return r.User.ID == userID
	})
}

// ContentKey is the heuristic identity used when no ID matches: the first
// attachment URL for images, the trimmed text otherwise.
func (m Message) ContentKey() string {
	if m.Kind == KindImage && len(m.Attachments) > 0 && m.Attachments[0].URL != "" {
		return m.Attachments[0].URL
	}

	return strings.TrimSpace(m.Content)
}

// Clone returns a deep copy so snapshots handed outside the engine never
// alias its internal slices.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.ReadBy = slices.Clone(m.ReadBy)
	m.DeliveredTo = slices.Clone(m.DeliveredTo)

	return m
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}

	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}

	return out
}

// SendRequest is what either transport needs to deliver an outbound message.
type SendRequest struct {
	ConversationID string       `json:"conversationId"`
	TempID         string       `json:"tempId"`
	Content        string       `json:"content"`
	Kind           MessageKind  `json:"type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// SendRequestFor builds the delivery payload for an optimistic message.
func SendRequestFor(m Message) SendRequest {
	return SendRequest{
		ConversationID: m.ConversationID,
		TempID:         m.TempID,
		Content:        m.Content,
		Kind:           m.Kind,
		Attachments:    slices.Clone(m.Attachments),
	}
}
