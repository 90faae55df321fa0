package models

import (
	"maps"
	"slices"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationPending   ConversationStatus = "pending"
	ConversationAccepted  ConversationStatus = "accepted"
	ConversationExpired   ConversationStatus = "expired"
	ConversationActive    ConversationStatus = "active"
	ConversationCancelled ConversationStatus = "cancelled"

	// Rejected and deleted only arrive on inbound events. A temporary
	// conversation moving to either is removed locally.
	ConversationRejected ConversationStatus = "rejected"
	ConversationDeleted  ConversationStatus = "deleted"
)

// Metadata keys linking a conversation to marketplace objects.
const (
	MetaProposalID = "proposalId"
	MetaPurchaseID = "purchaseId"
)

// Conversation is a thread between two or more participants.
type Conversation struct {
	ID            string             `json:"id"`
	Participants  []User             `json:"participants,omitempty"`
	LastMessage   *Message           `json:"lastMessage,omitempty"`
	LastMessageAt time.Time          `json:"lastMessageAt,omitzero"`
	UnreadCount   int                `json:"unreadCount"`
	Status        ConversationStatus `json:"status"`
	IsTemporary   bool               `json:"isTemporary,omitempty"`
	ExpiresAt     time.Time          `json:"expiresAt,omitzero"`
	IsBlocked     bool               `json:"isBlocked,omitempty"`
	BlockedReason string             `json:"blockedReason,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// Closed reports whether the conversation no longer takes part in
// messaging because of its status.
func (c Conversation) Closed() bool {
	switch c.Status {
	case ConversationCancelled, ConversationExpired, ConversationRejected, ConversationDeleted:
		return true
	default:
		return false
	}
}

// AcceptsOutbound reports whether new messages may be sent. Expiry by
// deadline is checked separately with Expired.
func (c Conversation) AcceptsOutbound() bool {
	return !c.IsBlocked && !c.Closed()
}

// Expired reports whether a time-boxed conversation has passed its
// deadline without being accepted.
func (c Conversation) Expired(now time.Time) bool {
	if c.Status == ConversationExpired {
		return true
	}

	return c.IsTemporary && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Removable reports whether the conversation should be dropped entirely,
// messages included, rather than kept with a terminal status.
func (c Conversation) Removable() bool {
	if c.Status == ConversationDeleted {
		return true
	}

	return c.IsTemporary && (c.Status == ConversationRejected || c.Status == ConversationExpired)
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.Metadata = maps.Clone(c.Metadata)

	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		c.LastMessage = &lm
	}

	return c
}
