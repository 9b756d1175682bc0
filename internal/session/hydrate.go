package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"chat-client/internal/decoder"
	"chat-client/internal/domain"
)

type recordTime struct {
	CreatedAt time.Time `json:"createdAt"`
}

// Hydrate replaces the messages of a conversation with the history stored by
// the remote service. On failure the conversation is left untouched.
func (s *Session) Hydrate(ctx context.Context, id string) (domain.Conversation, error) {
	conv := s.find(id)
	if conv == nil {
		return domain.Conversation{}, domain.NewError(domain.ErrorConversationNotFound, "unknown_conversation", nil)
	}
	fetcher, ok := s.transport.(ThreadHistoryFetcher)
	if !ok {
		return domain.Conversation{}, domain.NewError(domain.ErrorRemoteFetch, "history_unsupported", nil)
	}

	records, err := fetcher.ListMessages(ctx, id)
	if err != nil {
		return domain.Conversation{}, coded(err, domain.ErrorRemoteFetch, "list_messages")
	}

	messages := make([]domain.Message, 0, len(records))
	for _, raw := range records {
		msg, ok := s.recordToMessage(raw)
		if !ok {
			continue
		}
		msg.ID = messageID(conv.ID, len(messages)+1)
		messages = append(messages, msg)
	}

	conv.Messages = messages
	s.save(ctx, conv)
	s.logger.Info("conversation hydrated", "conversationId", id, "messages", len(messages), "records", len(records))
	return conv.Clone(), nil
}

// recordToMessage decodes one history record through the structured chunk
// path. Records without text are skipped.
func (s *Session) recordToMessage(raw json.RawMessage) (domain.Message, bool) {
	chunk, ok := decoder.ParseRecord(raw)
	if !ok {
		return domain.Message{}, false
	}
	content := decoder.FormatContent(decoder.Decode([]decoder.Chunk{chunk}).Text)
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, false
	}

	role := domain.RoleAssistant
	if chunk.Role == string(domain.RoleUser) {
		role = domain.RoleUser
	}
	var rt recordTime
	if err := json.Unmarshal(raw, &rt); err != nil || rt.CreatedAt.IsZero() {
		rt.CreatedAt = s.now()
	}
	return domain.Message{Content: content, Role: role, Timestamp: rt.CreatedAt}, true
}
