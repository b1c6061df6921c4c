package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorgo/internal/models"
)

type recordingObserver struct {
	mu       sync.Mutex
	created  []string
	appended []models.Message
	fail     bool
}

func (o *recordingObserver) ConversationCreated(_ context.Context, conv models.Conversation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, conv.ID)
	if o.fail {
		return errors.New("journal offline")
	}
	return nil
}

func (o *recordingObserver) MessageAppended(_ context.Context, _ string, msg models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended = append(o.appended, msg)
	if o.fail {
		return errors.New("journal offline")
	}
	return nil
}

func TestCreateAppendSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)

	conv, err := store.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	before, err := store.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, before)

	stored, err := store.Append(ctx, conv.ID, models.Message{Role: models.RoleUser, Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Seq)
	assert.False(t, stored.CreatedAt.IsZero())

	after, err := store.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, models.RoleUser, after[0].Role)
	assert.Equal(t, "Hello", after[0].Content)

	// earlier snapshots are copies
	assert.Empty(t, before)

	meta, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.MessageCount)
}

func TestUnknownConversation(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)

	_, err := store.Append(ctx, "missing", models.Message{Role: models.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.AcquireTurn(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	conv, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Append(ctx, conv.ID, models.Message{Role: "narrator", Content: "x"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestIdentifiersAreNotReused(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	ids := []string{"a", "a", "a", "b"}
	store.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := store.Create(ctx)
	require.NoError(t, err)
	second, err := store.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}

func TestConcurrentAppendsKeepPerCallerOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	conv, err := store.Create(ctx)
	require.NoError(t, err)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Append(ctx, conv.ID, models.Message{
					Role:    models.RoleUser,
					Content: fmt.Sprintf("%d:%d", w, i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	msgs, err := store.Snapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)

	next := make([]int, writers)
	for i, m := range msgs {
		assert.Equal(t, i, m.Seq)
		var w, n int
		_, err := fmt.Sscanf(m.Content, "%d:%d", &w, &n)
		require.NoError(t, err)
		assert.Equal(t, next[w], n, "writer %d out of order", w)
		next[w]++
	}
}

func TestObserversSeeCommitOrderAndNeverFailAppend(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{fail: true}
	store := NewStore(nil, obs)

	conv, err := store.Create(ctx)
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := store.Append(ctx, conv.ID, models.Message{Role: models.RoleUser, Content: text})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{conv.ID}, obs.created)
	require.Len(t, obs.appended, 3)
	for i, m := range obs.appended {
		assert.Equal(t, i, m.Seq)
	}
}

func TestAcquireTurnSerializes(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	conv, err := store.Create(ctx)
	require.NoError(t, err)

	release, err := store.AcquireTurn(ctx, conv.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = store.AcquireTurn(waitCtx, conv.ID)
	assert.ErrorIs(t, err, models.ErrCancelled)

	release()
	release()

	again, err := store.AcquireTurn(ctx, conv.ID)
	require.NoError(t, err)
	again()
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	n := store.Restore([]models.ConversationRecord{
		{
			Conversation: models.Conversation{ID: "c1", CreatedAt: created},
			Messages: []models.Message{
				{Role: models.RoleUser, Content: "hi"},
				{Role: models.RoleAssistant, Content: "hello"},
			},
		},
		{Conversation: models.Conversation{ID: "c1"}},
		{},
	})
	assert.Equal(t, 1, n)

	msgs, err := store.Snapshot(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[1].Seq)

	stored, err := store.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Seq)
}
