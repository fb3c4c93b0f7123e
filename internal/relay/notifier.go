package relay

import (
	"encoding/json"
	"time"

	"github.com/chatkit/relay/internal/pubsub"
	"github.com/chatkit/relay/internal/types"
)

const (
	resubscribeBaseDelay = time.Second
	resubscribeMaxDelay  = 30 * time.Second
)

// Run is the cross-process notifier loop: one long-lived subscription
// per process, and the only path by which message lifecycle events
// reach the broadcaster. It holds the subscription until it fails, then
// resubscribes with exponential backoff until Shutdown. Run blocks and
// is meant to be started on its own goroutine.
func (rs *RelayServer) Run() {
	defer close(rs.notifierDone)

	delay := resubscribeBaseDelay
	for {
		sub, err := rs.notifier.Subscribe(
			pubsub.ChannelNewMessage,
			pubsub.ChannelMessageDeleted,
			pubsub.ChannelMessageHidden,
		)
		if err != nil {
			rs.log.Println("subscribe:", err)
		} else {
			delay = resubscribeBaseDelay
			rs.consume(sub)
			sub.Close()
		}

		select {
		case <-rs.stopNotifier:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > resubscribeMaxDelay {
			delay = resubscribeMaxDelay
		}
	}
}

// consume drains one subscription until it closes or the relay stops.
func (rs *RelayServer) consume(sub pubsub.Subscription) {
	for {
		select {
		case <-rs.stopNotifier:
			return
		case notification, ok := <-sub.Notifications():
			if !ok {
				rs.log.Println("pubsub subscription lost, resubscribing")
				return
			}
			rs.dispatchNotification(notification)
		}
	}
}

// dispatchNotification decodes one channel payload and delivers it to
// the local members of the affected conversation room. A malformed
// payload is logged and dropped, never fatal to the loop.
func (rs *RelayServer) dispatchNotification(notification pubsub.Notification) {
	var ref types.MessageRef
	if err := json.Unmarshal([]byte(notification.Payload), &ref); err != nil {
		rs.log.Printf("dropping malformed %s payload: %v", notification.Channel, err)
		return
	}
	if ref.MessageId == "" || ref.ConversationId == "" {
		rs.log.Printf("dropping incomplete %s payload", notification.Channel)
		return
	}

	event := &ServerEvent{Timestamp: Now()}
	switch notification.Channel {
	case pubsub.ChannelNewMessage:
		event.Notification = &ref
	case pubsub.ChannelMessageDeleted:
		event.Deleted = &ref
	case pubsub.ChannelMessageHidden:
		event.Hidden = &ref
	default:
		rs.log.Printf("dropping notification on unknown channel %q", notification.Channel)
		return
	}

	rs.broadcaster.Deliver(types.ConversationRoom(ref.ConversationId), event)
}
