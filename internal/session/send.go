package session

import (
	"context"
	"fmt"
	"strings"

	"chat-client/internal/decoder"
	"chat-client/internal/domain"
)

// SendStatus tells how far a SendMessage call got.
type SendStatus string

const (
	// SendSkipped means the input was blank and nothing changed.
	SendSkipped SendStatus = "skipped"
	// SendFailed means nothing was committed.
	SendFailed SendStatus = "failed"
	// SendPartial means the user message was committed but no reply was.
	SendPartial  SendStatus = "partial"
	SendComplete SendStatus = "complete"
)

// SendResult is the outcome of SendMessage. User is set once the user
// message is committed; Reply only on SendComplete.
type SendResult struct {
	Status SendStatus
	User   *domain.Message
	Reply  *domain.Message
}

// SendMessage appends text to the current conversation and asks the remote
// service for a reply. Without a current conversation a remote thread is
// created first, titled with the first word of text.
//
// The user message is committed before the remote call and is never rolled
// back. A failed or empty reply returns SendPartial with a MESSAGE_SEND error.
func (s *Session) SendMessage(ctx context.Context, text string) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendResult{Status: SendSkipped}, nil
	}

	if s.currentID == "" {
		if err := s.startThread(ctx, text); err != nil {
			return SendResult{Status: SendFailed}, err
		}
	}

	conv := s.find(s.currentID)
	if conv == nil {
		return SendResult{Status: SendFailed}, domain.NewError(domain.ErrorConversationNotFound, "current_missing",
			fmt.Errorf("session: current conversation %q is not in the store", s.currentID))
	}

	user := s.appendMessage(conv, domain.RoleUser, text)
	s.save(ctx, conv)
	res := SendResult{Status: SendPartial, User: &user}

	raw, err := s.transport.SendMessage(ctx, conv.ID, text)
	if err != nil {
		s.logger.Error("send message failed", "conversationId", conv.ID, "err", err)
		return res, coded(err, domain.ErrorMessageSend, "send_failed")
	}

	content := decoder.DecodeBody(raw)
	if strings.TrimSpace(content) == "" {
		s.logger.Warn("assistant reply decoded to empty text", "conversationId", conv.ID, "bytes", len(raw))
		return res, domain.NewError(domain.ErrorMessageSend, "empty_reply", nil)
	}

	reply := s.appendMessage(conv, domain.RoleAssistant, content)
	s.save(ctx, conv)
	res.Status = SendComplete
	res.Reply = &reply
	return res, nil
}

// startThread creates the remote thread for a first message and registers it
// as the current conversation, seeded with the greeting.
func (s *Session) startThread(ctx context.Context, text string) error {
	title, description := splitTitle(text)
	thread, err := s.transport.CreateThread(ctx, title, description)
	if err != nil {
		s.logger.Error("create thread failed", "err", err)
		return coded(err, domain.ErrorThreadCreation, "create_thread")
	}
	if strings.TrimSpace(thread.ID) == "" {
		return domain.NewError(domain.ErrorThreadCreation, "missing_thread_id", nil)
	}
	if s.find(thread.ID) != nil {
		return domain.NewError(domain.ErrorThreadCreation, "duplicate_thread_id",
			fmt.Errorf("session: thread %q already exists", thread.ID))
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:        thread.ID,
		Title:     title,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.appendMessage(conv, domain.RoleAssistant, s.greeting)
	s.conversations = append(s.conversations, conv)
	s.currentID = conv.ID

	s.save(ctx, conv)
	s.saveCurrent(ctx)
	return nil
}

// appendMessage adds a message with a positional id and bumps UpdatedAt.
func (s *Session) appendMessage(conv *domain.Conversation, role domain.Role, content string) domain.Message {
	msg := domain.Message{
		ID:        messageID(conv.ID, len(conv.Messages)+1),
		Content:   content,
		Role:      role,
		Timestamp: s.now(),
	}
	conv.Messages = append(conv.Messages, msg)
	s.touch(conv)
	return msg
}

// coded returns err unchanged when it already carries code, so the
// transport's reason survives. Anything else is wrapped.
func coded(err error, code domain.ErrorCode, reason string) error {
	if domain.IsCode(err, code) {
		return err
	}
	return domain.NewError(code, reason, err)
}

func messageID(conversationID string, position int) string {
	return fmt.Sprintf("%s-%d", conversationID, position)
}

// splitTitle returns the first whitespace-delimited word of text and the
// remaining words.
func splitTitle(text string) (title, description string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
