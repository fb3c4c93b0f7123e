package pubsub

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	notificationBuffer   = 256
)

// PgNotifier implements the cross-process channel on Postgres
// LISTEN/NOTIFY. Publishes go through the shared connection pool;
// subscriptions hold a dedicated listener connection which reconnects
// with backoff on its own.
type PgNotifier struct {
	db  *sql.DB
	dsn string
	log *log.Logger
}

func NewPgNotifier(db *sql.DB, dsn string, logger *log.Logger) *PgNotifier {
	return &PgNotifier{
		db:  db,
		dsn: dsn,
		log: logger,
	}
}

func (n *PgNotifier) Publish(channel, payload string) error {
	if _, err := n.db.Exec("SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}

	return nil
}

func (n *PgNotifier) Subscribe(channels ...string) (Subscription, error) {
	listener := pq.NewListener(n.dsn, minReconnectInterval, maxReconnectInterval,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				n.log.Println("pubsub listener:", err)
			}
		})

	for _, channel := range channels {
		if err := listener.Listen(channel); err != nil {
			listener.Close()
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	sub := &pgSubscription{
		listener: listener,
		events:   make(chan Notification, notificationBuffer),
	}
	go sub.forward()

	return sub, nil
}

type pgSubscription struct {
	listener *pq.Listener
	events   chan Notification
}

func (s *pgSubscription) forward() {
	defer close(s.events)

	for notification := range s.listener.Notify {
		if notification == nil {
			// the listener reconnected; notifications may have been
			// missed, clients recover by refetching
			continue
		}

		s.events <- Notification{
			Channel: notification.Channel,
			Payload: notification.Extra,
		}
	}
}

func (s *pgSubscription) Notifications() <-chan Notification {
	return s.events
}

func (s *pgSubscription) Close() error {
	return s.listener.Close()
}
