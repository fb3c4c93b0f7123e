package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/chatkit/relay/internal/pubsub"
	"github.com/chatkit/relay/internal/stats"
	"github.com/chatkit/relay/internal/store"
	"github.com/chatkit/relay/internal/types"
)

// handleSendMessage writes the message durably, bumps the owning
// conversation's recency and publishes a pointer event on the
// cross-process channel. The publish only ever happens after the write
// committed; broadcast itself is left entirely to the notifier loop so
// every process, this one included, learns about the message the same
// way.
func (rs *RelayServer) handleSendMessage(sess *Session, event *ClientEvent) {
	req := event.Publish

	content := strings.TrimSpace(req.Content)
	if req.ConversationId == "" || content == "" {
		sess.queueEvent(ErrInvalidEvent(event.Id))
		return
	}

	msg, err := rs.db.CreateMessage(store.CreateMessageParams{
		ConversationId: req.ConversationId,
		AuthorId:       sess.identity.Id,
		Content:        content,
		Type:           req.Type,
	})
	if err != nil {
		rs.log.Printf("create message in conversation %q: %v", req.ConversationId, err)
		sess.queueEvent(ErrInternalError(event.Id))
		return
	}
	rs.stats.Incr(stats.MessagesSent)

	// recency bump for conversation list sorting, not message ordering;
	// the message is already durable, so a failure is only logged
	if err := rs.db.TouchConversation(msg.ConversationId, msg.CreatedAt); err != nil {
		rs.log.Printf("touch conversation %q: %v", msg.ConversationId, err)
	}

	rs.publishRef(pubsub.ChannelNewMessage, types.MessageRef{
		MessageId:      msg.Id,
		ConversationId: msg.ConversationId,
	})
}

// handleSendReaction applies the reaction and broadcasts it twice: to
// the conversation room and to each participant's personal room, so
// participants currently looking elsewhere still get the live signal.
// Reactions are set-state events, so the broadcast bypasses the
// cross-process channel and clients treat re-deliveries as no-ops.
func (rs *RelayServer) handleSendReaction(sess *Session, event *ClientEvent) {
	req := event.React

	if req.MessageId == "" || req.ConversationId == "" || req.Emoji == "" ||
		(req.Action != ReactionAdd && req.Action != ReactionRemove) {
		sess.queueEvent(ErrInvalidEvent(event.Id))
		return
	}

	reaction := types.Reaction{
		MessageId:      req.MessageId,
		ConversationId: req.ConversationId,
		UserId:         sess.identity.Id,
		Emoji:          req.Emoji,
	}

	var err error
	if req.Action == ReactionAdd {
		// upsert, so re-adding an existing triple is a no-op success
		err = rs.db.UpsertReaction(reaction)
	} else {
		err = rs.db.DeleteReaction(reaction)
	}
	if err != nil {
		rs.log.Printf("%s reaction on message %q: %v", req.Action, req.MessageId, err)
		sess.queueEvent(ErrInternalError(event.Id))
		return
	}
	rs.stats.Incr(stats.ReactionsSent)

	var (
		wg           sync.WaitGroup
		authorId     string
		participants []string
		authorErr    error
		partErr      error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		authorId, authorErr = rs.db.GetMessageAuthor(req.MessageId)
	}()
	go func() {
		defer wg.Done()
		participants, partErr = rs.db.GetParticipants(req.ConversationId)
	}()
	wg.Wait()

	if authorErr != nil {
		// degraded: the reaction is applied, broadcast without the author id
		rs.log.Printf("fetch author of message %q: %v", req.MessageId, authorErr)
	}
	if partErr != nil {
		rs.log.Printf("fetch participants of conversation %q: %v", req.ConversationId, partErr)
	}

	now := Now()
	broadcast := &ServerEvent{
		Timestamp: now,
		Reaction: &ReactionEvent{
			MessageId:       req.MessageId,
			ConversationId:  req.ConversationId,
			Emoji:           req.Emoji,
			Action:          req.Action,
			UserId:          sess.identity.Id,
			UserName:        sess.identity.DisplayName,
			MessageAuthorId: authorId,
			Timestamp:       now,
		},
	}

	rs.broadcaster.Deliver(types.ConversationRoom(req.ConversationId), broadcast)
	for _, userId := range participants {
		rs.broadcaster.Deliver(types.UserRoom(userId), broadcast)
	}

	// surface the conversation in recency-sorted lists when someone
	// reacts to another user's message
	if req.Action == ReactionAdd && authorErr == nil && authorId != sess.identity.Id {
		if err := rs.db.TouchConversation(req.ConversationId, now); err != nil {
			rs.log.Printf("touch conversation %q: %v", req.ConversationId, err)
		}
	}
}

// DeleteMessage soft-deletes the message and publishes the lifecycle
// event. Like sends, the publish happens only after the update
// committed; connected clients in the conversation then learn about the
// deletion through the notifier loop.
func (rs *RelayServer) DeleteMessage(messageId string) error {
	msg, err := rs.db.MarkMessageDeleted(messageId)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageId, err)
	}

	rs.publishRef(pubsub.ChannelMessageDeleted, types.MessageRef{
		MessageId:      msg.Id,
		ConversationId: msg.ConversationId,
	})
	return nil
}

// HideMessage soft-hides the message and publishes the lifecycle event.
func (rs *RelayServer) HideMessage(messageId string) error {
	msg, err := rs.db.MarkMessageHidden(messageId)
	if err != nil {
		return fmt.Errorf("hide message %q: %w", messageId, err)
	}

	rs.publishRef(pubsub.ChannelMessageHidden, types.MessageRef{
		MessageId:      msg.Id,
		ConversationId: msg.ConversationId,
	})
	return nil
}

func (rs *RelayServer) publishRef(channel string, ref types.MessageRef) {
	payload, err := json.Marshal(ref)
	if err != nil {
		rs.log.Println("marshal notification payload:", err)
		rs.stats.Incr(stats.PublishErrors)
		return
	}

	// the write already committed, so a failed publish only costs the
	// live ping; the message is discoverable on the next fetch
	if err := rs.notifier.Publish(channel, string(payload)); err != nil {
		rs.log.Printf("publish %s: %v", channel, err)
		rs.stats.Incr(stats.PublishErrors)
	}
}
