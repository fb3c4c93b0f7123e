package relay

import (
	"log"
	"sync"

	"github.com/chatkit/relay/internal/stats"
	"github.com/chatkit/relay/internal/types"
)

// Broadcaster maintains this process's room membership index and
// delivers events to the local sockets joined to a room. It has no
// durability and never retries: a session that is mid-disconnect simply
// misses the event, and clients recover by refetching conversation
// state. Other processes hold their own Broadcaster fed by the same
// cross-process channel.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[types.RoomKey]map[*Session]struct{}
	log   *log.Logger
	stats stats.StatsProvider
}

func NewBroadcaster(logger *log.Logger, statsProvider stats.StatsProvider) *Broadcaster {
	return &Broadcaster{
		rooms: make(map[types.RoomKey]map[*Session]struct{}),
		log:   logger,
		stats: statsProvider,
	}
}

// Register adds the session to the room. Idempotent.
func (b *Broadcaster) Register(sess *Session, room types.RoomKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		b.rooms[room] = members
		b.stats.Incr(stats.ActiveRooms)
	}

	members[sess] = struct{}{}
}

// Unregister removes the session from the room. No-op if not joined.
func (b *Broadcaster) Unregister(sess *Session, room types.RoomKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(sess, room)
}

// UnregisterAll releases every membership held by the session.
func (b *Broadcaster) UnregisterAll(sess *Session, rooms []types.RoomKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, room := range rooms {
		b.removeLocked(sess, room)
	}
}

func (b *Broadcaster) removeLocked(sess *Session, room types.RoomKey) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}

	if _, ok := members[sess]; !ok {
		return
	}

	delete(members, sess)
	if len(members) == 0 {
		delete(b.rooms, room)
		b.stats.Decr(stats.ActiveRooms)
	}
}

// Deliver queues the event on every local session joined to the room.
// A room with no local members is a silent no-op.
func (b *Broadcaster) Deliver(room types.RoomKey, event *ServerEvent) {
	b.mu.RLock()
	members := make([]*Session, 0, len(b.rooms[room]))
	for sess := range b.rooms[room] {
		members = append(members, sess)
	}
	b.mu.RUnlock()

	for _, sess := range members {
		if sess.queueEvent(event) {
			b.stats.Incr(stats.EventsDelivered)
		}
	}
}

func (b *Broadcaster) memberCount(room types.RoomKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.rooms[room])
}

func (b *Broadcaster) roomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.rooms)
}
