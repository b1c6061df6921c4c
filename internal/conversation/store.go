package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutorgo/internal/models"
)

// Observer is notified of every committed change, in commit order per conversation.
// Calls happen while the conversation guard is held, so implementations must not
// call back into the Store for the same conversation.
type Observer interface {
	ConversationCreated(ctx context.Context, conv models.Conversation) error
	MessageAppended(ctx context.Context, conversationID string, msg models.Message) error
}

type conversation struct {
	id        string
	createdAt time.Time

	mu       sync.RWMutex
	messages []models.Message

	// turn is a one-slot semaphore serializing streamed turns.
	turn chan struct{}
}

// Store owns every conversation transcript of the process.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation

	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewStore builds an empty store. Observers receive creations and appends.
func NewStore(logger *slog.Logger, observers ...Observer) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conversations: make(map[string]*conversation),
		observers:     observers,
		logger:        logger.With("component", "conversation_store"),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

func newConversation(id string, createdAt time.Time) *conversation {
	return &conversation{
		id:        id,
		createdAt: createdAt,
		turn:      make(chan struct{}, 1),
	}
}

// Create registers a conversation with a fresh identifier and an empty history.
func (s *Store) Create(ctx context.Context) (models.Conversation, error) {
	now := s.now().UTC()

	s.mu.Lock()
	id := s.newID()
	for _, taken := s.conversations[id]; taken; _, taken = s.conversations[id] {
		id = s.newID()
	}
	conv := newConversation(id, now)
	s.conversations[id] = conv
	// hold the guard until observers have seen the creation, so no append can overtake it
	conv.mu.Lock()
	s.mu.Unlock()
	defer conv.mu.Unlock()

	info := models.Conversation{ID: id, CreatedAt: now}
	for _, o := range s.observers {
		if err := o.ConversationCreated(ctx, info); err != nil {
			s.logger.Warn("observer rejected conversation", "conversation_id", id, "error", err)
		}
	}
	return info, nil
}

func (s *Store) lookup(id string) (*conversation, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "conversation %s", id)
	}
	return conv, nil
}

// Append adds msg to the end of the conversation and returns the stored copy.
// Appends to one conversation are serialized; different conversations do not contend.
func (s *Store) Append(ctx context.Context, id string, msg models.Message) (models.Message, error) {
	if !msg.Role.Valid() {
		return models.Message{}, models.Errorf(models.ErrValidation, "invalid role %q", msg.Role)
	}
	conv, err := s.lookup(id)
	if err != nil {
		return models.Message{}, err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	msg.Seq = len(conv.messages)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	conv.messages = append(conv.messages, msg)

	for _, o := range s.observers {
		if err := o.MessageAppended(ctx, id, msg); err != nil {
			s.logger.Warn("observer rejected message", "conversation_id", id, "seq", msg.Seq, "error", err)
		}
	}
	return msg, nil
}

// Snapshot returns a point-in-time copy of the conversation's messages.
func (s *Store) Snapshot(ctx context.Context, id string) ([]models.Message, error) {
	conv, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	out := make([]models.Message, len(conv.messages))
	copy(out, conv.messages)
	return out, nil
}

// Get returns the conversation's metadata.
func (s *Store) Get(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := s.lookup(id)
	if err != nil {
		return models.Conversation{}, err
	}
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return models.Conversation{ID: conv.id, CreatedAt: conv.createdAt, MessageCount: len(conv.messages)}, nil
}

// Exists reports whether id is a known conversation.
func (s *Store) Exists(id string) bool {
	_, err := s.lookup(id)
	return err == nil
}

// AcquireTurn waits for the conversation's turn slot. The returned release must be called
// exactly once. Waiting stops with ErrCancelled when ctx is done.
func (s *Store) AcquireTurn(ctx context.Context, id string) (func(), error) {
	conv, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case conv.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, models.Wrap(models.ErrCancelled, ctx.Err(), "waiting for turn")
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-conv.turn })
	}, nil
}

// Restore seeds the store with previously journaled conversations. Records whose id is
// already registered are skipped. Observers are not notified.
func (s *Store) Restore(records []models.ConversationRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, exists := s.conversations[rec.ID]; exists {
			continue
		}
		conv := newConversation(rec.ID, rec.CreatedAt)
		conv.messages = make([]models.Message, len(rec.Messages))
		for i, m := range rec.Messages {
			m.Seq = i
			conv.messages[i] = m
		}
		s.conversations[rec.ID] = conv
		restored++
	}
	return restored
}

// Len returns the number of registered conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
