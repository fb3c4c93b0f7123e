package pubsub

import (
	"sync"
)

// MemoryNotifier is an in-process Notifier. It backs single-process
// deployments and the test suite, where it can also simulate a dropped
// subscription.
type MemoryNotifier struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		subs: make(map[*memorySubscription]struct{}),
	}
}

func (n *MemoryNotifier) Publish(channel, payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for sub := range n.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}

		select {
		case sub.events <- Notification{Channel: channel, Payload: payload}:
		default:
			// subscriber is not keeping up, drop the notification
		}
	}

	return nil
}

func (n *MemoryNotifier) Subscribe(channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		notifier: n,
		channels: make(map[string]struct{}, len(channels)),
		events:   make(chan Notification, notificationBuffer),
	}
	for _, channel := range channels {
		sub.channels[channel] = struct{}{}
	}

	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	return sub, nil
}

// SubscriptionCount reports the number of live subscriptions.
func (n *MemoryNotifier) SubscriptionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.subs)
}

// DropSubscriptions force-closes every live subscription, simulating a
// lost channel connection.
func (n *MemoryNotifier) DropSubscriptions() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for sub := range n.subs {
		sub.closeEvents()
		delete(n.subs, sub)
	}
}

type memorySubscription struct {
	notifier *MemoryNotifier
	channels map[string]struct{}
	events   chan Notification
	closed   sync.Once
}

func (s *memorySubscription) closeEvents() {
	s.closed.Do(func() {
		close(s.events)
	})
}

func (s *memorySubscription) Notifications() <-chan Notification {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.notifier.mu.Lock()
	delete(s.notifier.subs, s)
	s.notifier.mu.Unlock()

	s.closeEvents()
	return nil
}
