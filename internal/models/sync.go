package models

import "time"

// SyncMetadata tracks how fresh the cached copy of a conversation is.
type SyncMetadata struct {
	LastSyncTimestamp    time.Time `json:"lastSyncTimestamp"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp,omitzero"`
	TotalMessages        int       `json:"totalMessages"`
	NeedsSync            bool      `json:"needsSync"`
}

// RetryEntry is a locally originated message waiting for redelivery.
type RetryEntry struct {
	TempID      string    `json:"tempId"`
	Message     Message   `json:"message"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

// ConnectionMode is the transport arrangement currently in use. It is
// always derived from transport health, never set directly.
type ConnectionMode string

const (
	ModePush   ConnectionMode = "push"
	ModePoll   ConnectionMode = "poll"
	ModeHybrid ConnectionMode = "hybrid"
)

// ConnectionState is the transport health snapshot exposed to callers.
type ConnectionState struct {
	Mode              ConnectionMode `json:"mode"`
	PushConnected     bool           `json:"pushConnected"`
	PollViable        bool           `json:"pollViable"`
	ReconnectAttempts int            `json:"reconnectAttempts"`
	LastHeartbeat     time.Time      `json:"lastHeartbeat,omitzero"`
}
