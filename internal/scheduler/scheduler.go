// Package scheduler owns the task lifecycle. It spawns and enqueues tasks
// for external job workers and turns their results back into task and asset
// state changes plus outbound business events.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dedezza1D/hookflow/internal/apierr"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/retry"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	MaxRetries        int
	RetryBaseDelay    time.Duration
	MaxScheduledTasks int

	Concurrency int
	NackDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        retry.TaskMaxRetries,
		RetryBaseDelay:    retry.TaskRetryBaseDelay,
		MaxScheduledTasks: 20,
		Concurrency:       10,
		NackDelay:         time.Second,
	}
}

type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	store  *store.Store
	queue  queue.Queue
	now    func() time.Time
}

func New(cfg Config, logger *zap.Logger, st *store.Store, q queue.Queue) *Scheduler {
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "scheduler")),
		store:  st,
		queue:  q,
		now:    time.Now,
	}
}

// Run consumes job results and job progress until ctx is done. It also
// relays the task topic's delayed triggers, so task retries need no other
// process.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.queue.RunDelayRelay(ctx, events.TopicTask)
	})
	for _, c := range []queue.ConsumerConfig{
		{Name: "scheduler-results", Pattern: "task.result.>"},
		{Name: "scheduler-progress", Pattern: "task.progress.>"},
	} {
		c := c
		c.Topic = events.TopicTask
		c.Concurrency = s.cfg.Concurrency
		c.NackDelay = s.cfg.NackDelay
		g.Go(func() error {
			return s.queue.Consume(ctx, c, s.HandleTaskQueue)
		})
	}
	return g.Wait()
}

type SpawnParams struct {
	Type          store.TaskType
	UserID        string
	RequesterID   string
	InputAssetID  string
	OutputAssetID string
	Params        store.TaskParams
}

// SpawnTask creates a pending task and announces it with task.spawned.
func (s *Scheduler) SpawnTask(ctx context.Context, p SpawnParams) (*store.Task, error) {
	if err := p.Params.Validate(p.Type); err != nil {
		return nil, apierr.BadRequest(err.Error())
	}
	if p.UserID == "" {
		return nil, apierr.BadRequest("userId is required")
	}

	now := s.now().UnixMilli()
	task := &store.Task{
		ID:            uuid.NewString(),
		Type:          p.Type,
		CreatedAt:     now,
		UserID:        p.UserID,
		RequesterID:   p.RequesterID,
		InputAssetID:  p.InputAssetID,
		OutputAssetID: p.OutputAssetID,
		Params:        p.Params,
		Status:        store.TaskStatus{Phase: store.TaskPending, UpdatedAt: now},
	}
	if err := s.store.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := s.publishTaskEvent(ctx, events.TaskSpawned, task); err != nil {
		return nil, err
	}

	s.logger.Info("task spawned", zap.String("task_id", task.ID), zap.String("task_type", string(task.Type)), zap.String("user_id", task.UserID))
	return task, nil
}

// EnqueueTask moves the task to waiting and hands a trigger to the job
// workers, optionally after delay. When the trigger cannot be published the
// task is failed and the publish error returned.
func (s *Scheduler) EnqueueTask(ctx context.Context, task *store.Task, delay time.Duration) (*store.Task, error) {
	st := task.Status
	st.Phase = store.TaskWaiting
	st.UpdatedAt = s.now().UnixMilli()

	updated, err := s.UpdateTask(ctx, task, TaskPatch{Status: &st})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		updated = task
	}
	if err := s.enqueue(ctx, updated, delay); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Scheduler) SpawnAndEnqueue(ctx context.Context, p SpawnParams) (*store.Task, error) {
	task, err := s.SpawnTask(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.EnqueueTask(ctx, task, 0)
}

func (s *Scheduler) enqueue(ctx context.Context, task *store.Task, delay time.Duration) error {
	trigger := events.TaskTrigger{
		Envelope: events.NewEnvelope(events.TypeTaskTrigger, s.now()),
		Task:     events.InfoOf(task),
	}
	key := events.TaskTriggerKey(task.Type, task.ID)

	var err error
	if delay > 0 {
		err = s.queue.PublishDelayed(ctx, key, trigger, delay)
	} else {
		err = s.queue.Publish(ctx, key, trigger)
	}
	if err == nil {
		return nil
	}

	s.logger.Error("enqueue task failed", zap.String("task_id", task.ID), zap.String("routing_key", key), zap.Error(err))
	if ferr := s.FailTask(ctx, task, "Failed to enqueue task"); ferr != nil {
		s.logger.Error("fail task after enqueue error", zap.String("task_id", task.ID), zap.Error(ferr))
	}
	return fmt.Errorf("enqueue task %s: %w", task.ID, err)
}

// EnsureQueueCapacity refuses new work for a user who already has the
// maximum number of tasks pending or waiting.
func (s *Scheduler) EnsureQueueCapacity(ctx context.Context, userID string) error {
	n, err := s.store.Tasks.Count(ctx,
		store.Eq("userId", userID),
		store.In("status.phase", store.TaskPending, store.TaskWaiting),
	)
	if err != nil {
		return fmt.Errorf("count scheduled tasks: %w", err)
	}
	if n >= int64(s.cfg.MaxScheduledTasks) {
		return apierr.TooManyRequests(fmt.Sprintf("too many tasks scheduled: user has %d pending tasks (limit %d)", n, s.cfg.MaxScheduledTasks))
	}
	return nil
}
