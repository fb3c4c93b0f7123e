package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chatkit/relay/internal/pubsub"
	"github.com/chatkit/relay/internal/store"
	"github.com/chatkit/relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchNotification(t *testing.T) {
	payload := func(messageId, conversationId string) string {
		buf, err := json.Marshal(types.MessageRef{MessageId: messageId, ConversationId: conversationId})
		require.NoError(t, err, "expected no error marshalling payload")
		return string(buf)
	}

	tt := []struct {
		name         string
		notification pubsub.Notification
		check        func(t *testing.T, event *ServerEvent)
	}{
		{
			name:         "new message maps to a notification event",
			notification: pubsub.Notification{Channel: pubsub.ChannelNewMessage, Payload: payload("m-1", "42")},
			check: func(t *testing.T, event *ServerEvent) {
				require.NotNil(t, event.Notification, "expected a message notification")
				assert.Equal(t, "m-1", event.Notification.MessageId, "expected message id")
				assert.Equal(t, "42", event.Notification.ConversationId, "expected conversation id")
			},
		},
		{
			name:         "deleted message maps to a deleted event",
			notification: pubsub.Notification{Channel: pubsub.ChannelMessageDeleted, Payload: payload("m-1", "42")},
			check: func(t *testing.T, event *ServerEvent) {
				require.NotNil(t, event.Deleted, "expected a deleted event")
				assert.Nil(t, event.Notification, "expected no notification variant")
			},
		},
		{
			name:         "hidden message maps to a hidden event",
			notification: pubsub.Notification{Channel: pubsub.ChannelMessageHidden, Payload: payload("m-1", "42")},
			check: func(t *testing.T, event *ServerEvent) {
				require.NotNil(t, event.Hidden, "expected a hidden event")
			},
		},
		{
			name:         "malformed payload is dropped",
			notification: pubsub.Notification{Channel: pubsub.ChannelNewMessage, Payload: "{not json"},
		},
		{
			name:         "incomplete payload is dropped",
			notification: pubsub.Notification{Channel: pubsub.ChannelNewMessage, Payload: payload("", "42")},
		},
		{
			name:         "unknown channel is dropped",
			notification: pubsub.Notification{Channel: "message_pinned", Payload: payload("m-1", "42")},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			rs := newTestRelayServer(t, &store.MockRepository{}, nil)
			sess := newActiveSession(rs, "A")
			rs.broadcaster.Register(sess, types.ConversationRoom("42"))

			rs.dispatchNotification(tc.notification)

			if tc.check == nil {
				assert.Len(t, sess.send, 0, "expected dropped notification not to be delivered")
				return
			}

			require.Len(t, sess.send, 1, "expected exactly one delivery")
			tc.check(t, <-sess.send)
		})
	}
}

func TestDispatchNotificationRoomIsolation(t *testing.T) {
	rs := newTestRelayServer(t, &store.MockRepository{}, nil)
	sessA := newActiveSession(rs, "A")
	sessB := newActiveSession(rs, "B")
	rs.broadcaster.Register(sessA, types.ConversationRoom("42"))
	rs.broadcaster.Register(sessB, types.ConversationRoom("7"))

	buf, err := json.Marshal(types.MessageRef{MessageId: "m-1", ConversationId: "42"})
	require.NoError(t, err, "expected no error marshalling payload")

	rs.dispatchNotification(pubsub.Notification{Channel: pubsub.ChannelNewMessage, Payload: string(buf)})

	assert.Len(t, sessA.send, 1, "expected delivery to the affected conversation")
	assert.Len(t, sessB.send, 0, "expected no delivery to other conversations")
}

// The full path of a sent message: durable write, channel publish, and
// delivery back through this process's own subscription.
func TestMessageRoundTrip(t *testing.T) {
	db := &store.MockRepository{}
	defer db.AssertExpectations(t)

	notifier := pubsub.NewMemoryNotifier()
	rs := newTestRelayServer(t, db, notifier)

	go rs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, rs.Shutdown(ctx), "expected no error shutting down")
	}()

	require.Eventually(t, func() bool {
		return notifier.SubscriptionCount() == 1
	}, time.Second, 10*time.Millisecond, "expected the notifier loop to subscribe")

	sess := newActiveSession(rs, "A")
	rs.broadcaster.Register(sess, types.ConversationRoom("42"))

	created := types.Message{Id: "m-1", ConversationId: "42", AuthorId: "A", Content: "hi", CreatedAt: Now()}
	db.On("CreateMessage", store.CreateMessageParams{
		ConversationId: "42",
		AuthorId:       "A",
		Content:        "hi",
	}).Return(created, nil).Once()
	db.On("TouchConversation", "42", created.CreatedAt).Return(nil).Once()

	rs.handleSendMessage(sess, &ClientEvent{Id: 1, Publish: &SendMessage{ConversationId: "42", Content: "hi"}})

	select {
	case event := <-sess.send:
		require.NotNil(t, event.Notification, "expected a message notification, got %+v", event)
		assert.Equal(t, "m-1", event.Notification.MessageId, "expected the created message id")
		assert.Equal(t, "42", event.Notification.ConversationId, "expected the conversation id")
	case <-time.After(time.Second):
		t.Fatal("expected the notification to arrive via the relay's own subscription")
	}
}

func TestNotifierResubscribes(t *testing.T) {
	notifier := pubsub.NewMemoryNotifier()
	rs := newTestRelayServer(t, &store.MockRepository{}, notifier)

	go rs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, rs.Shutdown(ctx), "expected no error shutting down")
	}()

	require.Eventually(t, func() bool {
		return notifier.SubscriptionCount() == 1
	}, time.Second, 10*time.Millisecond, "expected an initial subscription")

	notifier.DropSubscriptions()

	require.Eventually(t, func() bool {
		return notifier.SubscriptionCount() == 1
	}, 5*time.Second, 50*time.Millisecond, "expected the loop to resubscribe after the drop")

	// the new subscription must carry events again
	sess := newActiveSession(rs, "A")
	rs.broadcaster.Register(sess, types.ConversationRoom("42"))

	buf, err := json.Marshal(types.MessageRef{MessageId: "m-2", ConversationId: "42"})
	require.NoError(t, err, "expected no error marshalling payload")
	require.NoError(t, notifier.Publish(pubsub.ChannelNewMessage, string(buf)), "expected no error publishing")

	select {
	case event := <-sess.send:
		require.NotNil(t, event.Notification, "expected a message notification, got %+v", event)
		assert.Equal(t, "m-2", event.Notification.MessageId, "expected the republished message id")
	case <-time.After(time.Second):
		t.Fatal("expected delivery through the renewed subscription")
	}
}
