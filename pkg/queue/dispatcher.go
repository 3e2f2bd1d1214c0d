// Package queue runs named background tasks, either in-process or through a redis list.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// Dispatcher accepts fire-and-forget tasks
type Dispatcher interface {
	Submit(ctx context.Context, name string, args []string) (string, error)
}

// TaskFunc is the body of a registered task
type TaskFunc func(ctx context.Context, args []string) error

// Task is one submitted unit of work
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"task"`
	Args        []string  `json:"args"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewTask stamps a task with a fresh id
func NewTask(name string, args []string) Task {
	return Task{
		ID:          uuid.NewString(),
		Name:        name,
		Args:        args,
		SubmittedAt: time.Now().UTC(),
	}
}

// Registry maps task names to their bodies
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register binds name to fn, replacing any previous binding
func (r *Registry) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Lookup returns the body registered for name
func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Run executes t. Panics inside the task are turned into errors.
func (r *Registry) Run(ctx context.Context, t Task) (err error) {
	fn, ok := r.Lookup(t.Name)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownTask, t.Name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, p)
		}
	}()
	return fn(ctx, t.Args)
}

func logResult(logger zerolog.Logger, t Task, started time.Time, err error) {
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("task_id", t.ID).
		Str("task", t.Name).
		Strs("args", t.Args).
		Dur("took", time.Since(started)).
		Msg("task finished")
}

// Open returns the dispatcher selected by cfg.Driver. Local dispatchers execute through registry.
func Open(cfg common.QueueConfig, registry *Registry, logger zerolog.Logger) (Dispatcher, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalDispatcher(registry, cfg.Workers, logger), nil
	case "redis":
		return OpenRedisDispatcher(cfg.RedisAddr, cfg.Key, logger)
	}
	return nil, fmt.Errorf("%w: unknown queue driver %q", common.ErrInvalidConfig, cfg.Driver)
}
