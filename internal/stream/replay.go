package stream

import (
	"context"
	"time"

	"tutorgo/internal/models"
)

// Follow delivers the conversation's latest reply to emit. A turn in flight is followed
// live from its first fragment; otherwise the last committed assistant message is replayed.
func (b *Bridge) Follow(ctx context.Context, conversationID string, emit func(string) error) error {
	if !b.store.Exists(conversationID) {
		return models.Errorf(models.ErrNotFound, "conversation %s", conversationID)
	}
	events, live := b.hub.Subscribe(ctx, conversationID)
	if !live {
		return b.Replay(ctx, conversationID, emit)
	}
	for ev := range events {
		if ev.Done {
			return ev.Err
		}
		if err := emit(ev.Fragment); err != nil {
			return models.Wrap(models.ErrCancelled, err, "receiver gone")
		}
	}
	if err := ctx.Err(); err != nil {
		return models.Wrap(models.ErrCancelled, err, "watch cancelled")
	}
	return models.Errorf(models.ErrOverloaded, "watcher fell behind the live turn")
}

// Replay re-sends the last committed assistant message in chunks of ReplayChunkSize
// runes, ReplayDelay apart.
func (b *Bridge) Replay(ctx context.Context, conversationID string, emit func(string) error) error {
	msgs, err := b.store.Snapshot(ctx, conversationID)
	if err != nil {
		return err
	}
	var last *models.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			last = &msgs[i]
			break
		}
	}
	if last == nil {
		return models.Errorf(models.ErrNotFound, "conversation %s has no assistant reply yet", conversationID)
	}

	chunks := chunkRunes(last.Content, b.cfg.ReplayChunkSize)
	for i, chunk := range chunks {
		if err := emit(chunk); err != nil {
			return models.Wrap(models.ErrCancelled, err, "receiver gone")
		}
		if i == len(chunks)-1 || b.cfg.ReplayDelay == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return models.Wrap(models.ErrCancelled, ctx.Err(), "replay cancelled")
		case <-time.After(b.cfg.ReplayDelay):
		}
	}
	return nil
}

func chunkRunes(s string, size int) []string {
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
