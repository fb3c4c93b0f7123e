// Package pubsub is the cross-process channel used to propagate message
// lifecycle events between server processes. Every process publishes
// through it and consumes its own publishes through it, so a message
// written on one process reaches clients connected to every process
// over a single uniform path.
package pubsub

// Channel names shared by every process.
const (
	ChannelNewMessage     = "new_message"
	ChannelMessageDeleted = "message_deleted"
	ChannelMessageHidden  = "message_hidden"
)

type Notification struct {
	Channel string
	Payload string
}

type Subscription interface {
	// Notifications is closed when the subscription is no longer
	// receiving, either because it was closed or because the underlying
	// transport failed permanently. Consumers are expected to
	// resubscribe.
	Notifications() <-chan Notification
	Close() error
}

type Notifier interface {
	Publish(channel, payload string) error
	Subscribe(channels ...string) (Subscription, error)
}
