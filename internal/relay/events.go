package relay

import (
	"fmt"
	"time"

	"github.com/chatkit/relay/internal/types"
)

// ClientEvent is the tagged union of everything a client may send over
// the socket. Exactly one event field must be set; anything else is
// rejected at the boundary.
type ClientEvent struct {
	Id      int                `json:"id,omitempty"`
	Auth    *AuthPayload       `json:"auth,omitempty"`
	Join    *JoinConversation  `json:"join-conversation,omitempty"`
	Leave   *LeaveConversation `json:"leave-conversation,omitempty"`
	Publish *SendMessage       `json:"send-message,omitempty"`
	React   *SendReaction      `json:"send-reaction,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type JoinConversation struct {
	ConversationId string `json:"conversation_id"`
}

type LeaveConversation struct {
	ConversationId string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
}

// SendReaction carries no user fields on purpose: the reacting user is
// always taken from the connection's verified identity, never from the
// payload.
type SendReaction struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
	Emoji          string `json:"emoji"`
	Action         string `json:"action"`
}

const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// validate checks that the event has exactly one variant set.
func (e *ClientEvent) validate() error {
	var n int
	if e.Auth != nil {
		n++
	}
	if e.Join != nil {
		n++
	}
	if e.Leave != nil {
		n++
	}
	if e.Publish != nil {
		n++
	}
	if e.React != nil {
		n++
	}

	if n != 1 {
		return fmt.Errorf("event must contain exactly one variant, got %d", n)
	}
	return nil
}

// ServerEvent is the tagged union of everything the server sends to a
// client.
type ServerEvent struct {
	Id           int               `json:"id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Notification *types.MessageRef `json:"message_notification,omitempty"`
	Deleted      *types.MessageRef `json:"message_deleted,omitempty"`
	Hidden       *types.MessageRef `json:"message_hidden,omitempty"`
	Reaction     *ReactionEvent    `json:"reaction,omitempty"`
	Error        *ErrorEvent       `json:"error,omitempty"`
}

type ReactionEvent struct {
	MessageId       string    `json:"message_id"`
	ConversationId  string    `json:"conversation_id"`
	Emoji           string    `json:"emoji"`
	Action          string    `json:"action"`
	UserId          string    `json:"user_id"`
	UserName        string    `json:"user_name,omitempty"`
	MessageAuthorId string    `json:"message_author_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func ErrInvalidEvent(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Error:     &ErrorEvent{Message: "invalid event"},
	}
}

func ErrInternalError(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Error:     &ErrorEvent{Message: "internal server error"},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
