package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"chat-client/internal/domain"
)

const (
	DefaultTitle = "Nueva conversación"
	Greeting     = "Hola, ¿cómo puedo ayudarte?"
)

// Transport is the remote assistant service as seen by the session.
type Transport interface {
	CreateThread(ctx context.Context, title, description string) (domain.ThreadDescriptor, error)
	SendMessage(ctx context.Context, threadID, text string) ([]byte, error)
}

// ThreadLister is implemented by transports that can list remote threads.
type ThreadLister interface {
	ListThreads(ctx context.Context) ([]domain.ThreadSummary, error)
}

// ThreadHistoryFetcher is implemented by transports that can return the
// message records of a thread.
type ThreadHistoryFetcher interface {
	ListMessages(ctx context.Context, threadID string) ([]json.RawMessage, error)
}

// SnapshotStore persists conversations between process restarts.
type SnapshotStore interface {
	SaveConversation(ctx context.Context, conv domain.Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error
	SaveCurrent(ctx context.Context, conversationID string) error
	LoadSnapshot(ctx context.Context) (domain.Snapshot, error)
}

// Session owns every conversation of one user and tracks the current one.
//
// Session holds no locks and starts no goroutines. Callers must serialize
// operations; concurrent use is not supported.
type Session struct {
	transport    Transport
	snapshots    SnapshotStore
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	defaultTitle string
	greeting     string

	conversations []*domain.Conversation
	currentID     string
	synced        bool
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the generator used for locally created
// conversations. The generator must not repeat values.
func WithIDGenerator(gen func() string) Option {
	return func(s *Session) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSnapshots enables best-effort persistence of every mutation.
func WithSnapshots(store SnapshotStore) Option {
	return func(s *Session) {
		s.snapshots = store
	}
}

func WithDefaultTitle(title string) Option {
	return func(s *Session) {
		if strings.TrimSpace(title) != "" {
			s.defaultTitle = title
		}
	}
}

func WithGreeting(greeting string) Option {
	return func(s *Session) {
		if strings.TrimSpace(greeting) != "" {
			s.greeting = greeting
		}
	}
}

// New creates an empty session. It is meant to be built once by the
// composition root and shared by reference.
func New(transport Transport, opts ...Option) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session: transport must not be nil")
	}
	s := &Session{
		transport:    transport,
		logger:       slog.Default(),
		now:          time.Now,
		defaultTitle: DefaultTitle,
		greeting:     Greeting,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newID == nil {
		s.newID = timestampIDs(s.now)
	}
	return s, nil
}

// timestampIDs returns Unix millisecond ids, bumped past the previous value
// when two calls land on the same millisecond.
func timestampIDs(now func() time.Time) func() string {
	var last int64
	return func() string {
		id := now().UnixMilli()
		if id <= last {
			id = last + 1
		}
		last = id
		return strconv.FormatInt(id, 10)
	}
}

// ListConversations returns copies of all conversations, most recently
// updated first. The first call syncs with the remote thread list when the
// transport supports listing.
func (s *Session) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	if !s.synced {
		if _, ok := s.transport.(ThreadLister); ok {
			if err := s.Sync(ctx); err != nil {
				return nil, err
			}
		}
	}

	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, conv := range s.sorted() {
		out = append(out, conv.Clone())
	}
	return out, nil
}

// Sync merges the remote thread list into the session. Known conversations
// keep their messages and take the remote title and timestamps only when the
// remote copy is newer. Conversations the server does not know are kept.
func (s *Session) Sync(ctx context.Context) error {
	lister, ok := s.transport.(ThreadLister)
	if !ok {
		return domain.NewError(domain.ErrorRemoteFetch, "listing_unsupported", nil)
	}
	threads, err := lister.ListThreads(ctx)
	if err != nil {
		return coded(err, domain.ErrorRemoteFetch, "list_threads")
	}

	for _, th := range threads {
		if strings.TrimSpace(th.ThreadID) == "" {
			continue
		}
		if conv := s.find(th.ThreadID); conv != nil {
			if !th.UpdatedAt.After(conv.UpdatedAt) {
				continue
			}
			if th.Title != "" {
				conv.Title = th.Title
			}
			conv.UpdatedAt = th.UpdatedAt
			s.save(ctx, conv)
			continue
		}

		conv := &domain.Conversation{
			ID:        th.ThreadID,
			Title:     th.Title,
			Messages:  []domain.Message{},
			CreatedAt: th.CreatedAt,
			UpdatedAt: th.UpdatedAt,
		}
		if conv.Title == "" {
			conv.Title = s.defaultTitle
		}
		if conv.UpdatedAt.Before(conv.CreatedAt) {
			conv.UpdatedAt = conv.CreatedAt
		}
		s.conversations = append(s.conversations, conv)
		s.save(ctx, conv)
	}
	s.synced = true
	return nil
}

// Current returns a copy of the current conversation, or nil if none is
// selected.
func (s *Session) Current() *domain.Conversation {
	conv := s.find(s.currentID)
	if conv == nil {
		return nil
	}
	c := conv.Clone()
	return &c
}

// SetCurrent selects a conversation. Unknown ids are ignored.
func (s *Session) SetCurrent(ctx context.Context, id string) {
	if s.find(id) == nil {
		return
	}
	s.currentID = id
	s.saveCurrent(ctx)
}

// CreateConversation adds an empty local conversation and makes it current.
// No remote thread is created.
func (s *Session) CreateConversation(ctx context.Context, title string) domain.Conversation {
	if strings.TrimSpace(title) == "" {
		title = s.defaultTitle
	}
	now := s.now()
	conv := &domain.Conversation{
		ID:        s.newID(),
		Title:     title,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations = append(s.conversations, conv)
	s.currentID = conv.ID

	s.save(ctx, conv)
	s.saveCurrent(ctx)
	return conv.Clone()
}

// Rename changes a conversation title. Unknown ids are ignored.
func (s *Session) Rename(ctx context.Context, id, title string) {
	conv := s.find(id)
	if conv == nil {
		return
	}
	conv.Title = title
	s.touch(conv)
	s.save(ctx, conv)
}

// Delete removes a conversation. Deleting the current conversation selects
// the most recently updated one left, or none.
func (s *Session) Delete(ctx context.Context, id string) {
	idx := s.index(id)
	if idx < 0 {
		return
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	if s.snapshots != nil {
		if err := s.snapshots.DeleteConversation(ctx, id); err != nil {
			s.logger.Warn("session: delete snapshot failed", "conversationId", id, "err", err)
		}
	}

	if s.currentID != id {
		return
	}
	s.currentID = ""
	if remaining := s.sorted(); len(remaining) > 0 {
		s.currentID = remaining[0].ID
	}
	s.saveCurrent(ctx)
}

// Restore replaces the session state with the last persisted snapshot.
// Without a snapshot store it does nothing.
func (s *Session) Restore(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	snap, err := s.snapshots.LoadSnapshot(ctx)
	if err != nil {
		return err
	}

	convs := make([]*domain.Conversation, 0, len(snap.Conversations))
	for _, c := range snap.Conversations {
		conv := c.Clone()
		convs = append(convs, &conv)
	}
	s.conversations = convs
	s.currentID = ""
	if s.find(snap.CurrentID) != nil {
		s.currentID = snap.CurrentID
	}
	s.logger.Info("session restored", "conversations", len(convs), "currentId", s.currentID)
	return nil
}

func (s *Session) find(id string) *domain.Conversation {
	if idx := s.index(id); idx >= 0 {
		return s.conversations[idx]
	}
	return nil
}

func (s *Session) index(id string) int {
	if id == "" {
		return -1
	}
	for i, conv := range s.conversations {
		if conv.ID == id {
			return i
		}
	}
	return -1
}

// sorted orders by UpdatedAt desc, then CreatedAt desc, then id.
func (s *Session) sorted() []*domain.Conversation {
	out := make([]*domain.Conversation, len(s.conversations))
	copy(out, s.conversations)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// touch bumps UpdatedAt without letting it fall behind CreatedAt.
func (s *Session) touch(conv *domain.Conversation) {
	now := s.now()
	if now.Before(conv.CreatedAt) {
		now = conv.CreatedAt
	}
	conv.UpdatedAt = now
}

func (s *Session) save(ctx context.Context, conv *domain.Conversation) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SaveConversation(ctx, conv.Clone()); err != nil {
		s.logger.Warn("session: save snapshot failed", "conversationId", conv.ID, "err", err)
	}
}

func (s *Session) saveCurrent(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SaveCurrent(ctx, s.currentID); err != nil {
		s.logger.Warn("session: save current failed", "conversationId", s.currentID, "err", err)
	}
}
