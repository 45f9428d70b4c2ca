// Package outbox runs best-effort side effects (notes, notifications, queue
// cleanup) off the request path with bounded concurrency and retries.
package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Task is one unit of deferred work. Attrs are attached to every log line
// about the task.
type Task struct {
	ID    string
	Name  string
	Attrs map[string]string
	Run   func(ctx context.Context) error
}

// Stats are cumulative counters since the outbox started.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// Option configures an Outbox.
type Option func(*Outbox)

func WithWorkers(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithMaxRetries sets how many times a failed task is retried.
func WithMaxRetries(n int) Option {
	return func(o *Outbox) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryDelays sets the wait before each retry; the last delay repeats.
func WithRetryDelays(d ...time.Duration) Option {
	return func(o *Outbox) {
		if len(d) > 0 {
			o.retryDelays = d
		}
	}
}

// WithTaskTimeout bounds a single attempt.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Outbox) {
		if d > 0 {
			o.taskTimeout = d
		}
	}
}

type Outbox struct {
	logger      zerolog.Logger
	workers     int
	queueSize   int
	maxRetries  int
	retryDelays []time.Duration
	taskTimeout time.Duration

	queue  chan Task
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc

	enqueued, succeeded, failed, retried, dropped atomic.Int64
}

// New starts an outbox and its workers.
func New(logger zerolog.Logger, opts ...Option) *Outbox {
	o := &Outbox{
		logger:      logger.With().Str("component", "outbox").Logger(),
		workers:     4,
		queueSize:   256,
		maxRetries:  3,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		taskTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = make(chan Task, o.queueSize)
	o.base, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(o.workers)
	for i := 0; i < o.workers; i++ {
		go o.worker()
	}
	return o
}

// Enqueue schedules t. It returns false when the outbox is closed or the
// queue is full; the task is dropped and logged in that case.
func (o *Outbox) Enqueue(t Task) bool {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		o.taskLog(o.logger.Warn(), t).Msg("outbox closed, task dropped")
		return false
	}
	select {
	case o.queue <- t:
		o.enqueued.Add(1)
		return true
	default:
		o.dropped.Add(1)
		o.taskLog(o.logger.Error(), t).Msg("outbox full, task dropped")
		return false
	}
}

func (o *Outbox) Stats() Stats {
	return Stats{
		Enqueued:  o.enqueued.Load(),
		Succeeded: o.succeeded.Load(),
		Failed:    o.failed.Load(),
		Retried:   o.retried.Load(),
		Dropped:   o.dropped.Load(),
		Pending:   len(o.queue),
	}
}

// Close stops intake and waits for queued and in-flight tasks. When ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		o.logger.Warn().Int("pending", len(o.queue)).Msg("outbox shutdown deadline reached, abandoning tasks")
		return ctx.Err()
	}
}

func (o *Outbox) worker() {
	defer o.wg.Done()
	for t := range o.queue {
		o.process(t)
	}
}

func (o *Outbox) process(t Task) {
	var err error
	for attempt := 0; ; attempt++ {
		err = o.runOnce(t)
		if err == nil {
			o.succeeded.Add(1)
			return
		}
		if attempt >= o.maxRetries || o.base.Err() != nil {
			break
		}

		delay := o.retryDelays[len(o.retryDelays)-1]
		if attempt < len(o.retryDelays) {
			delay = o.retryDelays[attempt]
		}
		o.taskLog(o.logger.Warn().Err(err), t).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("outbox task failed, retrying")
		o.retried.Add(1)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.base.Done():
			timer.Stop()
		}
	}

	o.failed.Add(1)
	o.taskLog(o.logger.Error().Err(err), t).Msg("outbox task failed")
}

func (o *Outbox) runOnce(t Task) (err error) {
	ctx, cancel := context.WithTimeout(o.base, o.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			o.taskLog(o.logger.Error(), t).Interface("panic", r).Msg("outbox task panicked")
		}
	}()
	if t.Run == nil {
		return errors.New("task has no run function")
	}
	return t.Run(ctx)
}

func (o *Outbox) taskLog(evt *zerolog.Event, t Task) *zerolog.Event {
	evt = evt.Str("task_id", t.ID).Str("task", t.Name)
	for k, v := range t.Attrs {
		evt = evt.Str(k, v)
	}
	return evt
}
