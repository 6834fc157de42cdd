package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cqstream/cqstream/internal/ack"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/queue"
)

// Pool runs one worker per queue.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a worker for every queue, each feeding all bindings.
func NewPool(queues []*queue.Queue, bindings []Binding, coord *ack.Coordinator, stats *observability.Stats, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger}
	for i, q := range queues {
		p.workers = append(p.workers, New(i, q, bindings, coord, stats, cfg, logger))
	}
	return p
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Start launches every worker. They run until ctx is cancelled, Stop is
// called or their queue is closed and drained.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker: pool is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.logger.Error("worker stopped", "worker", w.ID(), "error", err)
			}
		}(w)
	}
	p.logger.Info("worker pool started", "workers", len(p.workers))
	return nil
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop cancels the workers and waits for them.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	return nil
}
