package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutorgo/internal/models"
)

// TaskFunc is the body of a background task. progress reports completion in percent.
type TaskFunc func(ctx context.Context, progress func(int)) (*models.TaskResult, error)

type TaskSpec struct {
	Kind           string
	ConversationID string
	Payload        *models.FilePayload
	Run            TaskFunc
}

// TaskObserver receives a copy of a task after every state transition, in transition order.
type TaskObserver interface {
	TaskChanged(ctx context.Context, task models.Task) error
}

// TaskSource resolves tasks the registry no longer holds in memory.
type TaskSource interface {
	LoadTask(ctx context.Context, id string) (models.Task, bool)
}

type taskEntry struct {
	task     *models.Task
	run      TaskFunc
	admitted chan struct{}
}

// Registry tracks background tasks from submission to a terminal state. Tasks outlive
// the request that submitted them; only the worker running a task changes its state.
type Registry struct {
	dispatcher *Dispatcher

	mu             sync.RWMutex
	tasks          map[string]*taskEntry
	byConversation map[string][]string

	observers []TaskObserver
	fallback  TaskSource

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewRegistry(dispatcher *Dispatcher, logger *slog.Logger, observers ...TaskObserver) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		dispatcher:     dispatcher,
		tasks:          make(map[string]*taskEntry),
		byConversation: make(map[string][]string),
		observers:      observers,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.With("component", "task_registry"),
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// UseFallback makes Status consult src for ids unknown to this process.
func (r *Registry) UseFallback(src TaskSource) {
	r.fallback = src
}

// Submit registers a pending task and queues it. It returns as soon as the task is
// queryable; it never waits for the task to run.
func (r *Registry) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.Run == nil {
		return "", models.Errorf(models.ErrValidation, "task has no body")
	}
	now := r.now().UTC()
	task := &models.Task{
		Kind:           spec.Kind,
		ConversationID: spec.ConversationID,
		State:          models.TaskPending,
		Payload:        spec.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		History:        []models.StateChange{{State: models.TaskPending, At: now}},
	}
	entry := &taskEntry{task: task, run: spec.Run, admitted: make(chan struct{})}

	r.mu.RLock()
	task.ID = r.newID()
	for _, taken := r.tasks[task.ID]; taken; _, taken = r.tasks[task.ID] {
		task.ID = r.newID()
	}
	r.mu.RUnlock()

	key := spec.ConversationID
	if key == "" {
		key = task.ID
	}
	// the job blocks on admitted, so it cannot run before the task is registered
	if err := r.dispatcher.Submit(NewJob(Task, key, func() { r.execute(entry) })); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.tasks[task.ID] = entry
	if spec.ConversationID != "" {
		r.byConversation[spec.ConversationID] = append(r.byConversation[spec.ConversationID], task.ID)
	}
	snapshot := task.Clone()
	r.mu.Unlock()

	r.notify(snapshot)
	close(entry.admitted)
	r.logger.InfoContext(ctx, "task submitted", "task_id", task.ID, "kind", spec.Kind, "conversation_id", spec.ConversationID)
	return task.ID, nil
}

// Status returns a copy of the task.
func (r *Registry) Status(ctx context.Context, id string) (models.Task, error) {
	r.mu.RLock()
	entry, ok := r.tasks[id]
	var task models.Task
	if ok {
		task = entry.task.Clone()
	}
	r.mu.RUnlock()
	if ok {
		return task, nil
	}
	if r.fallback != nil {
		if task, found := r.fallback.LoadTask(ctx, id); found {
			return task, nil
		}
	}
	return models.Task{}, models.Errorf(models.ErrNotFound, "task %s", id)
}

// List returns the conversation's tasks in submission order.
func (r *Registry) List(ctx context.Context, conversationID string) []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byConversation[conversationID]
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		if entry, ok := r.tasks[id]; ok {
			out = append(out, entry.task.Clone())
		}
	}
	return out
}

// Close cancels running tasks and stops the dispatcher.
func (r *Registry) Close() {
	r.cancel()
	r.dispatcher.Close()
}

func (r *Registry) execute(entry *taskEntry) {
	<-entry.admitted
	id := entry.task.ID

	if err := r.transition(entry, models.TaskRunning, func(t *models.Task) { t.Progress = 10 }); err != nil {
		r.logger.Error("start task", "task_id", id, "error", err)
		return
	}

	var err error
	result, taskErr := r.runBody(entry)
	if taskErr != nil {
		kind := models.KindOf(taskErr)
		r.logger.Warn("task failed", "task_id", id, "error_kind", kind, "error", taskErr)
		err = r.transition(entry, models.TaskFailed, func(t *models.Task) {
			t.Error = taskErr.Error()
			t.ErrorKind = kind
		})
	} else {
		r.logger.Info("task succeeded", "task_id", id)
		err = r.transition(entry, models.TaskSucceeded, func(t *models.Task) {
			t.Progress = 100
			t.Result = result
		})
	}
	if err != nil {
		r.logger.Error("finish task", "task_id", id, "error", err)
	}
}

func (r *Registry) runBody(entry *taskEntry) (result *models.TaskResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "task_id", entry.task.ID, "panic", p, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("task panicked: %v", p)
		}
	}()
	progress := func(pct int) { r.setProgress(entry, pct) }
	return entry.run(r.ctx, progress)
}

func (r *Registry) setProgress(entry *taskEntry, pct int) {
	if pct > 99 {
		pct = 99
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.task.State == models.TaskRunning && pct > entry.task.Progress {
		entry.task.Progress = pct
		entry.task.UpdatedAt = r.now().UTC()
	}
}

func (r *Registry) transition(entry *taskEntry, to models.TaskState, mutate func(*models.Task)) error {
	r.mu.Lock()
	if err := entry.task.Transition(to, r.now().UTC()); err != nil {
		r.mu.Unlock()
		return err
	}
	if mutate != nil {
		mutate(entry.task)
	}
	snapshot := entry.task.Clone()
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

func (r *Registry) notify(task models.Task) {
	for _, o := range r.observers {
		if err := o.TaskChanged(context.Background(), task); err != nil {
			r.logger.Warn("task observer failed", "task_id", task.ID, "state", task.State, "error", err)
		}
	}
}
