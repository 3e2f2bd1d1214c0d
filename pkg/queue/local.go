package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalDispatcher runs tasks in-process on at most `workers` goroutines at a time
type LocalDispatcher struct {
	registry *Registry
	slots    chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLocalDispatcher creates a new local dispatcher
func NewLocalDispatcher(registry *Registry, workers int, logger zerolog.Logger) *LocalDispatcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		registry: registry,
		slots:    make(chan struct{}, workers),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit implements Dispatcher. It returns immediately; the task runs detached from ctx.
func (d *LocalDispatcher) Submit(ctx context.Context, name string, args []string) (string, error) {
	t := NewTask(name, args)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.slots <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.slots }()
		if d.ctx.Err() != nil {
			return
		}

		started := time.Now()
		logResult(d.logger, t, started, d.registry.Run(d.ctx, t))
	}()
	return t.ID, nil
}

// Wait blocks until every submitted task has finished
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels running tasks, drops queued ones and waits
func (d *LocalDispatcher) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}
