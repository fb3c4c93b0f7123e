package types

import (
	"fmt"
	"strings"
	"time"
)

// Identity is the verified user behind a connection. It is resolved once
// from the bearer token at handshake and never changes for the lifetime
// of the connection.
type Identity struct {
	Id          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// RoomKey addresses a broadcast scope, either a conversation or a single
// user's personal notification room.
type RoomKey string

const (
	conversationPrefix = "conversation:"
	userPrefix         = "user:"
)

func ConversationRoom(conversationId string) RoomKey {
	return RoomKey(conversationPrefix + conversationId)
}

func UserRoom(userId string) RoomKey {
	return RoomKey(userPrefix + userId)
}

// ParseRoomKey validates a raw room key. Only the two known prefixes with
// a non-empty id are accepted.
func ParseRoomKey(raw string) (RoomKey, error) {
	for _, prefix := range []string{conversationPrefix, userPrefix} {
		if strings.HasPrefix(raw, prefix) && len(raw) > len(prefix) {
			return RoomKey(raw), nil
		}
	}

	return "", fmt.Errorf("invalid room key %q", raw)
}

type Message struct {
	Id             string     `json:"id"`
	ConversationId string     `json:"conversation_id"`
	AuthorId       string     `json:"author_id"`
	Content        string     `json:"content"`
	Type           string     `json:"type,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	HiddenAt       *time.Time `json:"hidden_at,omitempty"`
}

// Reaction is keyed by the (MessageId, UserId, Emoji) triple. There is
// at most one stored row per triple.
type Reaction struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

// MessageRef is the pointer-only payload carried on the cross-process
// channel and in outbound lifecycle notifications. Clients re-fetch the
// full message over the query path.
type MessageRef struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
}
