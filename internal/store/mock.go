package store

import (
	"time"

	"github.com/chatkit/relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(params CreateMessageParams) (types.Message, error) {
	args := m.Called(params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRepository) TouchConversation(conversationId string, at time.Time) error {
	args := m.Called(conversationId, at)
	return args.Error(0)
}
func (m *MockRepository) GetMessageAuthor(messageId string) (string, error) {
	args := m.Called(messageId)
	return args.String(0), args.Error(1)
}
func (m *MockRepository) GetParticipants(conversationId string) ([]string, error) {
	args := m.Called(conversationId)
	if participants, ok := args.Get(0).([]string); ok {
		return participants, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpsertReaction(r types.Reaction) error {
	args := m.Called(r)
	return args.Error(0)
}
func (m *MockRepository) DeleteReaction(r types.Reaction) error {
	args := m.Called(r)
	return args.Error(0)
}
func (m *MockRepository) MarkMessageDeleted(messageId string) (types.Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRepository) MarkMessageHidden(messageId string) (types.Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(types.Message), args.Error(1)
}
