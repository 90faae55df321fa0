package engine

import "sync"

// ChangeKind says which part of the engine state changed.
type ChangeKind string

const (
	ChangeMessages            ChangeKind = "messages"
	ChangeConversation        ChangeKind = "conversation"
	ChangeConversationRemoved ChangeKind = "conversation.removed"
	ChangeConnection          ChangeKind = "connection"
	ChangeActive              ChangeKind = "active"
)

// Change tells the presentation layer what to re-read.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Unsubscribe detaches a subscriber. Calling it more than once is safe.
type Unsubscribe func()

// notifier fans changes out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the change.
type notifier struct {
	mu   sync.RWMutex
	subs map[int]chan Change
	next int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Change)}
}

func (n *notifier) publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (n *notifier) subscribe(buf int) (<-chan Change, Unsubscribe) {
	if buf <= 0 {
		buf = 64
	}

	ch := make(chan Change, buf)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
}

// closeAll detaches every subscriber and closes their channels.
func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
