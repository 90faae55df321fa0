package push

import (
	"testing"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Decode ---

func TestDecode_MessageNew(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"message:new","data":{"id":"m1","conversationId":"c1","sender":{"id":"u2"},"content":"hi","type":"text","status":"sent","createdAt":"2026-03-01T10:00:00Z"}}`))
	require.NoError(t, err)

	mn, ok := ev.(MessageNew)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "m1", mn.Message.ID)
	assert.Equal(t, models.KindText, mn.Message.Kind)
	assert.Equal(t, models.StatusSent, mn.Message.Status)
}

func TestDecode_MessageSentFillsTempID(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"message:sent","data":{"tempId":"t1","message":{"id":"m1","conversationId":"c1"}}}`))
	require.NoError(t, err)

	ack := ev.(MessageSent)
	assert.Equal(t, "t1", ack.TempID)
	assert.Equal(t, "t1", ack.Message.TempID)
	assert.Equal(t, "m1", ack.Message.ID)
}

func TestDecode_ConversationEvents(t *testing.T) {
	tests := []struct {
		frame string
		want  Event
	}{
		{`{"event":"proposal:accepted","data":{"conversationId":"c1","proposalId":"p1"}}`, ProposalAccepted{ConversationID: "c1", ProposalID: "p1"}},
		{`{"event":"proposal:rejected","data":{"conversationId":"c1"}}`, ProposalRejected{ConversationID: "c1"}},
		{`{"event":"service:cancelled","data":{"conversationId":"c1","reason":"refund"}}`, ServiceCancelled{ConversationID: "c1", Reason: "refund"}},
		{`{"event":"conversation:deleted","data":{"conversationId":"c1"}}`, ConversationDeleted{ConversationID: "c1"}},
		{`{"event":"pong"}`, Pong{}},
	}
	for _, tt := range tests {
		ev, err := Decode([]byte(tt.frame))
		require.NoError(t, err, tt.frame)
		assert.Equal(t, tt.want, ev)
	}
}

func TestDecode_ConversationUpdatedAndProposal(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"conversation:updated","data":{"id":"c1","status":"expired","unreadCount":3}}`))
	require.NoError(t, err)
	cu := ev.(ConversationUpdated)
	assert.Equal(t, models.ConversationExpired, cu.Conversation.Status)

	ev, err = Decode([]byte(`{"event":"proposal:received","data":{"proposalId":"p1","conversation":{"id":"c2","status":"pending","isTemporary":true}}}`))
	require.NoError(t, err)
	pr := ev.(ProposalReceived)
	assert.Equal(t, "c2", pr.Conversation.ID)
	assert.True(t, pr.Conversation.IsTemporary)
}

func TestDecode_MessagesRead(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"message:read","data":{"conversationId":"c1","messageIds":["m1","m2"],"reader":{"id":"u2"},"readAt":"2026-03-01T10:00:00Z"}}`))
	require.NoError(t, err)
	mr := ev.(MessagesRead)
	assert.Equal(t, []string{"m1", "m2"}, mr.MessageIDs)
	assert.Equal(t, "u2", mr.Reader.ID)
}

func TestDecode_FailsClosed(t *testing.T) {
	frames := []string{
		`{broken`,
		`{"event":"nope","data":{}}`,
		`{"event":"message:new"}`,
		`{"event":"message:new","data":{"content":"no ids"}}`,
		`{"event":"message:new","data":{"id":"m1"}}`,
		`{"event":"message:new","data":{"id":"m1","conversationId":"c1","createdAt":"yesterday"}}`,
		`{"event":"message:sent","data":{"tempId":"t1","message":{}}}`,
		`{"event":"message:read","data":{"conversationId":"c1"}}`,
		`{"event":"conversation:updated","data":{"status":"active"}}`,
		`{"event":"proposal:received","data":{"proposalId":"p1"}}`,
		`{"event":"conversation:deleted","data":{}}`,
		`{"event":"service:cancelled","data":"c1"}`,
	}
	for _, f := range frames {
		ev, err := Decode([]byte(f))
		assert.Error(t, err, f)
		assert.Nil(t, ev, f)
	}
}

func TestEncodeFrame(t *testing.T) {
	b, err := encodeFrame(EventMessageSend, models.SendRequest{ConversationID: "c1", TempID: "t1", Content: "hi", Kind: models.KindText})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message:send","data":{"conversationId":"c1","tempId":"t1","content":"hi","type":"text"}}`, string(b))

	b, err = encodeFrame(EventPing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(b))

	_, err = encodeFrame(EventPing, make(chan int))
	assert.ErrorContains(t, err, "marshalling ping frame")
}
