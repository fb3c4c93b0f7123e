package store

import (
	"time"

	"github.com/chatkit/relay/internal/types"
)

type CreateMessageParams struct {
	ConversationId string
	AuthorId       string
	Content        string
	Type           string
}

// Repository is the only surface through which the relay touches the
// durable store. All writes are committed before the caller returns,
// so a publish that follows a successful call never races the row.
type Repository interface {
	Ping() error
	CreateMessage(params CreateMessageParams) (types.Message, error)
	TouchConversation(conversationId string, at time.Time) error
	GetMessageAuthor(messageId string) (string, error)
	GetParticipants(conversationId string) ([]string, error)
	UpsertReaction(r types.Reaction) error
	DeleteReaction(r types.Reaction) error
	MarkMessageDeleted(messageId string) (types.Message, error)
	MarkMessageHidden(messageId string) (types.Message, error)
}
