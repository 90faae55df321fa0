package engine

//go:generate mockgen -source=transports.go -destination=mock_transports_test.go -package=engine

import (
	"context"
	"io"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/transport/push"
)

// PushTransport is the persistent event channel. *push.Client satisfies it.
type PushTransport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Ping(ctx context.Context) error
	SendMessage(ctx context.Context, req models.SendRequest) error
	Subscribe(kind push.EventKind, h push.Handler) push.Unsubscribe
}

// PollTransport is the request/response channel. *poll.Client satisfies it.
type PollTransport interface {
	Conversations(ctx context.Context, since time.Time) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID, lastMessageID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	Viable() bool
}

// Uploader stores image bytes and returns the attachment to reference.
// *poll.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, name string, file io.Reader) (models.Attachment, error)
}
