package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorgo/internal/models"
)

type recordingTaskObserver struct {
	mu     sync.Mutex
	states map[string][]models.TaskState
}

func (o *recordingTaskObserver) TaskChanged(_ context.Context, task models.Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = make(map[string][]models.TaskState)
	}
	o.states[task.ID] = append(o.states[task.ID], task.State)
	return nil
}

func (o *recordingTaskObserver) statesFor(id string) []models.TaskState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.TaskState(nil), o.states[id]...)
}

type staticSource map[string]models.Task

func (s staticSource) LoadTask(_ context.Context, id string) (models.Task, bool) {
	task, ok := s[id]
	return task, ok
}

func newTestRegistry(t *testing.T, maxWorkers, queueSize int, observers ...TaskObserver) *Registry {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: maxWorkers, QueueSize: queueSize}, nil)
	r := NewRegistry(d, nil, observers...)
	t.Cleanup(r.Close)
	return r
}

func waitForState(t *testing.T, r *Registry, id string, want models.TaskState) models.Task {
	t.Helper()
	var task models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = r.Status(context.Background(), id)
		return err == nil && task.State == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestRegistryRunsTaskToSuccess(t *testing.T) {
	obs := &recordingTaskObserver{}
	r := newTestRegistry(t, 2, 8, obs)

	release := make(chan struct{})
	id, err := r.Submit(context.Background(), TaskSpec{
		Kind:           "file_ingest",
		ConversationID: "conv",
		Run: func(ctx context.Context, progress func(int)) (*models.TaskResult, error) {
			<-release
			progress(50)
			return &models.TaskResult{ConversationID: "conv", Characters: 12}, nil
		},
	})
	require.NoError(t, err)

	running := waitForState(t, r, id, models.TaskRunning)
	assert.Equal(t, 10, running.Progress)
	assert.Nil(t, running.Result)

	close(release)
	done := waitForState(t, r, id, models.TaskSucceeded)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, 12, done.Result.Characters)
	assert.Empty(t, done.Error)

	var history []models.TaskState
	for _, h := range done.History {
		history = append(history, h.State)
	}
	want := []models.TaskState{models.TaskPending, models.TaskRunning, models.TaskSucceeded}
	assert.Equal(t, want, history)
	assert.Equal(t, want, obs.statesFor(id))
}

func TestRegistryRecordsFailureKind(t *testing.T) {
	r := newTestRegistry(t, 1, 8)

	id, err := r.Submit(context.Background(), TaskSpec{
		Kind: "file_ingest",
		Run: func(context.Context, func(int)) (*models.TaskResult, error) {
			return nil, models.Errorf(models.ErrExtraction, "corrupt pdf")
		},
	})
	require.NoError(t, err)

	task := waitForState(t, r, id, models.TaskFailed)
	assert.Equal(t, "extraction", task.ErrorKind)
	assert.Contains(t, task.Error, "corrupt pdf")
	assert.Nil(t, task.Result)
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := newTestRegistry(t, 1, 8)

	id, err := r.Submit(context.Background(), TaskSpec{
		Run: func(context.Context, func(int)) (*models.TaskResult, error) { panic("boom") },
	})
	require.NoError(t, err)
	task := waitForState(t, r, id, models.TaskFailed)
	assert.Equal(t, "internal", task.ErrorKind)

	next, err := r.Submit(context.Background(), TaskSpec{
		Run: func(context.Context, func(int)) (*models.TaskResult, error) { return &models.TaskResult{}, nil },
	})
	require.NoError(t, err)
	waitForState(t, r, next, models.TaskSucceeded)
}

func TestRegistryOverloadCreatesNoTask(t *testing.T) {
	r := newTestRegistry(t, 1, 1)

	block := make(chan struct{})
	defer close(block)
	body := func(context.Context, func(int)) (*models.TaskResult, error) {
		<-block
		return &models.TaskResult{}, nil
	}

	first, err := r.Submit(context.Background(), TaskSpec{ConversationID: "conv", Run: body})
	require.NoError(t, err)
	waitForState(t, r, first, models.TaskRunning)

	_, err = r.Submit(context.Background(), TaskSpec{ConversationID: "conv", Run: body})
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), TaskSpec{ConversationID: "conv", Run: body})
	assert.ErrorIs(t, err, models.ErrOverloaded)
	assert.Len(t, r.List(context.Background(), "conv"), 2)
}

func TestRegistryTaskOutlivesSubmitterContext(t *testing.T) {
	r := newTestRegistry(t, 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := r.Submit(ctx, TaskSpec{
		Run: func(ctx context.Context, _ func(int)) (*models.TaskResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &models.TaskResult{}, ctx.Err()
		},
	})
	require.NoError(t, err)
	cancel()

	waitForState(t, r, id, models.TaskSucceeded)
}

func TestRegistryStatusUnknownAndFallback(t *testing.T) {
	r := newTestRegistry(t, 1, 4)

	_, err := r.Status(context.Background(), "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	r.UseFallback(staticSource{"old": {ID: "old", State: models.TaskSucceeded}})
	task, err := r.Status(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSucceeded, task.State)
}

func TestRegistryListInSubmissionOrder(t *testing.T) {
	r := newTestRegistry(t, 1, 8)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := r.Submit(context.Background(), TaskSpec{
			ConversationID: "conv",
			Run:            func(context.Context, func(int)) (*models.TaskResult, error) { return &models.TaskResult{}, nil },
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := r.Submit(context.Background(), TaskSpec{
		ConversationID: "other",
		Run:            func(context.Context, func(int)) (*models.TaskResult, error) { return &models.TaskResult{}, nil },
	})
	require.NoError(t, err)

	tasks := r.List(context.Background(), "conv")
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, ids[i], task.ID)
	}
}

func TestRegistryRejectsEmptyBody(t *testing.T) {
	r := newTestRegistry(t, 1, 4)
	_, err := r.Submit(context.Background(), TaskSpec{Kind: "noop"})
	assert.ErrorIs(t, err, models.ErrValidation)
}
