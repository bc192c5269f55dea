// Package queue runs queued message ids on a bounded pool of workers.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/metrics"
)

// Priority orders queued work. Higher runs first.
type Priority int

const (
	PriorityPostponed Priority = 1
	PriorityRetry     Priority = 5
	PriorityNew       Priority = 10
)

// Processor handles one queued message id synchronously.
type Processor interface {
	ProcessQueued(ctx context.Context, id int64) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, id int64) error

func (f ProcessorFunc) ProcessQueued(ctx context.Context, id int64) error { return f(ctx, id) }

// Config sizes a Pool.
type Config struct {
	Name     string
	Workers  int
	Capacity int
}

// Pool is a priority queue drained by a fixed set of workers. Equal
// priorities run in submission order.
type Pool struct {
	name      string
	workers   int
	capacity  int
	processor Processor
	logger    hub.Logger
	metrics   metrics.Recorder

	mu      sync.Mutex
	items   itemHeap
	queued  map[int64]struct{}
	seq     uint64
	tokens  chan struct{}
	quit    chan struct{}
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger hub.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(p *Pool) {
		p.metrics = metrics.OrNoop(r)
	}
}

// NewPool builds a stopped pool.
func NewPool(cfg Config, processor Processor, opts ...Option) (*Pool, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	p := &Pool{
		name:      cfg.Name,
		workers:   cfg.Workers,
		capacity:  cfg.Capacity,
		processor: processor,
		logger:    hub.NewFmtLogger(nil),
		metrics:   metrics.Noop{},
		queued:    make(map[int64]struct{}),
		tokens:    make(chan struct{}, cfg.Capacity),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = hub.WithLoggerFields(p.logger, map[string]any{"queue": p.name})
	return p, nil
}

// Start spawns the workers. Jobs run under a context that keeps the values
// of ctx but is canceled only by Stop, so work in flight when ctx ends still
// completes.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return hub.NewError(hub.ErrStopping, "queue is stopped", nil, map[string]any{"queue": p.name})
	}
	if p.started {
		return nil
	}
	p.started = true
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.logger.Info("starting %d queue workers", p.workers)
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(workCtx, i)
	}
	return nil
}

// Submit queues id. An id already waiting is not queued twice.
func (p *Pool) Submit(id int64, priority Priority) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return hub.NewError(hub.ErrStopping, "queue is stopped", nil, map[string]any{"queue": p.name, "msg_id": id})
	}
	if _, ok := p.queued[id]; ok {
		p.mu.Unlock()
		return nil
	}
	if len(p.items) >= p.capacity {
		p.mu.Unlock()
		return hub.NewError(hub.ErrQueueFull, "", nil, map[string]any{"queue": p.name, "capacity": p.capacity})
	}
	p.seq++
	heap.Push(&p.items, &item{id: id, priority: priority, seq: p.seq})
	p.queued[id] = struct{}{}
	depth := len(p.items)
	p.mu.Unlock()

	p.tokens <- struct{}{}
	p.metrics.QueueDepth(p.name, depth)
	return nil
}

// Len returns the number of waiting items.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Stop refuses new work and waits for in-flight items until ctx ends, then
// cancels them. Waiting items are dropped; their messages stay IN_QUEUE for
// the repair scanner.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	dropped := len(p.items)
	close(p.quit)
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Error("timeout waiting for queue workers: %v", ctx.Err())
		return ctx.Err()
	}
	if dropped > 0 {
		p.logger.Warn("queue stopped with %d waiting items", dropped)
	}
	p.logger.Info("queue stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log := hub.WithLoggerFields(p.logger, map[string]any{"worker_id": workerID})
	for {
		select {
		case <-p.quit:
			return
		case <-p.tokens:
		}

		id, ok := p.pop()
		if !ok {
			continue
		}
		start := time.Now()
		err := hub.SafeCall(func() error { return p.processor.ProcessQueued(ctx, id) })
		if err != nil {
			log.Error("processing queued message %d failed after %s: %+v", id, time.Since(start), err)
		}
	}
}

func (p *Pool) pop() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return 0, false
	}
	it := heap.Pop(&p.items).(*item)
	delete(p.queued, it.id)
	p.metrics.QueueDepth(p.name, len(p.items))
	return it.id, true
}

type item struct {
	id       int64
	priority Priority
	seq      uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
