// Package gate bounds how many resolutions talk to the platform at once.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/leeineian/earworm/sys"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxParallel = 5

// Gate is a FIFO admission queue with at most MaxParallel tasks active.
// Waiters are admitted in the order they started waiting.
type Gate struct {
	sem         *semaphore.Weighted
	maxParallel int
	taskTimeout time.Duration

	active atomic.Int64
	queued atomic.Int64
}

// Task describes an admitted operation. It exists only while the operation runs.
type Task struct {
	ID         string
	QueuedAt   time.Time
	AdmittedAt time.Time
}

type taskKey struct{}

// TaskFrom returns the task running ctx, if any.
func TaskFrom(ctx context.Context) (Task, bool) {
	t, ok := ctx.Value(taskKey{}).(Task)
	return t, ok
}

type Stats struct {
	Active      int `json:"active"`
	Queued      int `json:"queued"`
	MaxParallel int `json:"maxParallel"`
}

type Option func(*Gate)

// WithTaskTimeout bounds each admitted task. The clock starts at admission, so
// time spent queued does not count against it.
func WithTaskTimeout(d time.Duration) Option {
	return func(g *Gate) { g.taskTimeout = d }
}

func New(maxParallel int, opts ...Option) *Gate {
	if maxParallel < 1 {
		maxParallel = DefaultMaxParallel
	}
	g := &Gate{
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		maxParallel: maxParallel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Stats() Stats {
	return Stats{
		Active:      int(g.active.Load()),
		Queued:      int(g.queued.Load()),
		MaxParallel: g.maxParallel,
	}
}

func (g *Gate) MaxParallel() int { return g.maxParallel }

// Do waits for a slot and runs op in it. If ctx ends while queued, op never
// runs and ctx's error is returned. A panic in op is returned as an error.
func (g *Gate) Do(ctx context.Context, op func(ctx context.Context) error) error {
	task := Task{ID: uuid.NewString(), QueuedAt: time.Now()}

	queued := g.queued.Add(1)
	sys.GateQueued.Inc()
	sys.LogGate(sys.MsgGateQueued, task.ID, g.active.Load(), queued)

	err := g.sem.Acquire(ctx, 1)
	g.queued.Add(-1)
	sys.GateQueued.Dec()
	if err != nil {
		sys.LogGate(sys.MsgGateAbandon, task.ID, err)
		return err
	}

	task.AdmittedAt = time.Now()
	g.active.Add(1)
	sys.GateActive.Inc()
	defer func() {
		g.active.Add(-1)
		sys.GateActive.Dec()
		g.sem.Release(1)
		sys.LogGate(sys.MsgGateDone, task.ID, time.Since(task.AdmittedAt).Round(time.Millisecond))
	}()
	sys.LogGate(sys.MsgGateAdmitted, task.ID, task.AdmittedAt.Sub(task.QueuedAt).Round(time.Millisecond))

	taskCtx := context.WithValue(ctx, taskKey{}, task)
	if g.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, g.taskTimeout)
		defer cancel()
	}
	return g.call(taskCtx, task, op)
}

func (g *Gate) call(ctx context.Context, task Task, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(sys.MsgGatePanic, task.ID, r)
		}
	}()
	return op(ctx)
}

// Submit queues op without blocking the caller. The returned channel yields
// op's error (or the queueing error) exactly once.
func (g *Gate) Submit(ctx context.Context, op func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, op)
	}()
	return done
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, g *Gate, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}
