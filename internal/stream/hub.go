package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBufferSize is the headroom each subscriber gets beyond the turn's backlog.
// One more slot is always kept free for the turn's Done event.
const subscriberBufferSize = 64

// Event is one item of a live turn as seen by a watcher. The last event of a turn has
// Done set, with Err holding the failure if the turn did not commit.
type Event struct {
	Fragment string
	Done     bool
	Err      error
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// close ends the subscription; the caller holds the hub lock.
func (s *subscriber) close() {
	close(s.ch)
	close(s.done)
}

type liveTurn struct {
	backlog []string
	subs    map[string]*subscriber
}

// Hub publishes in-flight turns so late watchers can catch up and follow them live.
// A watcher that falls behind is disconnected; it never sees a turn with gaps.
type Hub struct {
	mu       sync.Mutex
	turns    map[string]*liveTurn
	watchers atomic.Int64
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		turns:  make(map[string]*liveTurn),
		logger: logger.With("component", "turn_hub"),
	}
}

// begin marks a turn live for the conversation.
func (h *Hub) begin(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.turns[conversationID]; ok {
		h.closeAllLocked(old, Event{Done: true})
	}
	h.turns[conversationID] = &liveTurn{subs: make(map[string]*subscriber)}
}

// publish appends a fragment to the live turn and forwards it to every watcher.
func (h *Hub) publish(conversationID, fragment string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turn, ok := h.turns[conversationID]
	if !ok {
		return
	}
	turn.backlog = append(turn.backlog, fragment)
	for id, sub := range turn.subs {
		if len(sub.ch) >= cap(sub.ch)-1 {
			delete(turn.subs, id)
			sub.close()
			h.logger.Debug("disconnected slow watcher", "conversation_id", conversationID, "sub_id", id)
			continue
		}
		sub.ch <- Event{Fragment: fragment}
	}
}

// finish ends the live turn, telling watchers whether it committed.
func (h *Hub) finish(conversationID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turn, ok := h.turns[conversationID]
	if !ok {
		return
	}
	delete(h.turns, conversationID)
	h.closeAllLocked(turn, Event{Done: true, Err: err})
}

func (h *Hub) closeAllLocked(turn *liveTurn, last Event) {
	for id, sub := range turn.subs {
		sub.ch <- last
		delete(turn.subs, id)
		sub.close()
	}
}

// Subscribe attaches to the conversation's live turn, if any. The channel first replays
// the fragments already produced, then follows the turn; it is closed after the Done
// event, when the watcher lags behind, or when ctx ends. The Done event always fits.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (<-chan Event, bool) {
	h.mu.Lock()
	turn, ok := h.turns[conversationID]
	if !ok {
		h.mu.Unlock()
		return nil, false
	}
	subID := uuid.NewString()
	sub := &subscriber{
		ch:   make(chan Event, len(turn.backlog)+subscriberBufferSize+1),
		done: make(chan struct{}),
	}
	for _, fragment := range turn.backlog {
		sub.ch <- Event{Fragment: fragment}
	}
	turn.subs[subID] = sub
	h.mu.Unlock()

	h.watchers.Add(1)
	go func() {
		defer h.watchers.Add(-1)
		select {
		case <-ctx.Done():
			h.unsubscribe(turn, subID)
		case <-sub.done:
		}
	}()
	return sub.ch, true
}

func (h *Hub) unsubscribe(turn *liveTurn, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := turn.subs[subID]; ok {
		delete(turn.subs, subID)
		sub.close()
	}
}

// Watchers reports how many subscriptions are still attached to a live turn.
func (h *Hub) Watchers() int {
	return int(h.watchers.Load())
}

// Live reports whether a turn is in flight for the conversation.
func (h *Hub) Live(conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.turns[conversationID]
	return ok
}
