package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chatkit/relay/internal/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateActive
	stateClosed
)

// Session is one live client connection. It is created in the
// Connecting state on transport accept and only reaches Active after
// the bearer token has been verified; a failed handshake goes straight
// to Closed. The session is owned by this process and never shared.
type Session struct {
	conn      *websocket.Conn
	server    *RelayServer
	log       *log.Logger
	identity  types.Identity
	send      chan *ServerEvent
	rooms     map[types.RoomKey]struct{}
	roomsLock sync.RWMutex
	stateLock sync.RWMutex
	state     sessionState
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewSession(conn *websocket.Conn, rs *RelayServer, l *log.Logger) *Session {
	return &Session{
		conn:   conn,
		server: rs,
		log:    l,
		send:   make(chan *ServerEvent, 256),
		rooms:  make(map[types.RoomKey]struct{}),
		stop:   make(chan struct{}),
	}
}

func (s *Session) State() sessionState {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.state
}

func (s *Session) setState(state sessionState) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.state = state
}

func (s *Session) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.log.Println("write exiting")
	}()

	for {
		select {
		case event, ok := <-s.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(event)
			if err != nil {
				s.log.Println("failed to serialize event:", err)
				continue
			}

			if !s.sendRaw(websocket.TextMessage, bytes) {
				return
			}
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.sendRaw(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) read(token string) {
	defer func() {
		s.conn.Close()
		s.cleanup()
		s.log.Println("read exiting")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(appData string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	if err := s.authenticate(token); err != nil {
		s.log.Printf("handshake rejected: %v", err)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		return
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			break
		}

		var event ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			s.log.Println("error parsing event:", err)
			s.queueEvent(ErrInvalidEvent(0))
			continue
		}

		if err := event.validate(); err != nil {
			s.log.Println("rejecting event:", err)
			s.queueEvent(ErrInvalidEvent(event.Id))
			continue
		}

		s.dispatch(&event)
	}
}

// authenticate resolves the session's identity from the query token or,
// when absent, from an initial auth frame. On success the session's
// personal user room is auto-joined and the session becomes Active.
func (s *Session) authenticate(token string) error {
	if token == "" {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read auth frame: %w", err)
		}

		var event ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("parse auth frame: %w", err)
		}

		if event.Auth == nil {
			return errors.New("first frame is not an auth event")
		}
		token = event.Auth.Token
	}

	identity, err := s.server.verifier.Verify(token)
	if err != nil {
		return err
	}

	s.identity = identity
	s.setState(stateAuthenticated)

	s.joinRoom(types.UserRoom(identity.Id))
	s.setState(stateActive)

	return nil
}

// dispatch routes one inbound event. Join and leave only touch the
// local membership index and are handled inline; the write-path
// handlers run in their own goroutines so a slow store call never
// blocks the read loop. No ordering is guaranteed across distinct
// events from the same client.
func (s *Session) dispatch(event *ClientEvent) {
	switch {
	case event.Auth != nil:
		// already authenticated
		s.queueEvent(ErrInvalidEvent(event.Id))
	case event.Join != nil:
		if event.Join.ConversationId == "" {
			s.queueEvent(ErrInvalidEvent(event.Id))
			return
		}
		s.joinRoom(types.ConversationRoom(event.Join.ConversationId))
	case event.Leave != nil:
		if event.Leave.ConversationId == "" {
			s.queueEvent(ErrInvalidEvent(event.Id))
			return
		}
		s.leaveRoom(types.ConversationRoom(event.Leave.ConversationId))
	case event.Publish != nil:
		go s.server.handleSendMessage(s, event)
	case event.React != nil:
		go s.server.handleSendReaction(s, event)
	}
}

func (s *Session) joinRoom(room types.RoomKey) {
	s.roomsLock.Lock()
	s.rooms[room] = struct{}{}
	s.roomsLock.Unlock()

	s.server.broadcaster.Register(s, room)
}

func (s *Session) leaveRoom(room types.RoomKey) {
	s.roomsLock.Lock()
	delete(s.rooms, room)
	s.roomsLock.Unlock()

	s.server.broadcaster.Unregister(s, room)
}

func (s *Session) joinedRooms() []types.RoomKey {
	s.roomsLock.RLock()
	defer s.roomsLock.RUnlock()

	rooms := make([]types.RoomKey, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (s *Session) queueEvent(event *ServerEvent) bool {
	select {
	case s.send <- event:
	default:
		s.log.Println("failed to queue event, channel is full")
		return false
	}

	return true
}

func (s *Session) sendRaw(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (s *Session) stopSession() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// cleanup is terminal: release every room membership held locally,
// deregister from the server and stop the write pump.
func (s *Session) cleanup() {
	s.setState(stateClosed)
	s.server.broadcaster.UnregisterAll(s, s.joinedRooms())
	s.server.removeSession(s)
	s.stopSession()
}
