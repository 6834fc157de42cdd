// Package worker implements the continuous query workers. Each worker drains
// one queue in batches, runs one stream scan per continuous view over the
// batch and acknowledges the delivery batches its messages belong to.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cqstream/cqstream/internal/ack"
	"github.com/cqstream/cqstream/internal/coerce"
	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/message"
	"github.com/cqstream/cqstream/internal/notify"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/projection"
	"github.com/cqstream/cqstream/internal/query/aggregator"
	"github.com/cqstream/cqstream/internal/queue"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/internal/stream"
	"github.com/cqstream/cqstream/pkg/types"
)

// Binding attaches a continuous view to the stream it reads.
type Binding struct {
	ID     uint32
	Stream string
	View   *aggregator.View
}

// Config holds worker settings.
type Config struct {
	// BatchSize is the maximum number of messages per batch.
	BatchSize int
	// MaxWait bounds how long a started batch waits for more messages.
	// Zero processes whatever is queued without waiting.
	MaxWait time.Duration
	// DisableDescriptorCache rebuilds field mappings for every message.
	DisableDescriptorCache bool
	// Notifier, when set, is told about every view a batch touched.
	Notifier *notify.Notifier
}

// Worker drains one queue.
type Worker struct {
	id       int
	q        *queue.Queue
	cfg      Config
	bindings []Binding
	coord    *ack.Coordinator
	stats    *observability.Stats
	logger   *slog.Logger

	registry *recordtype.Registry
	engine   *coerce.Engine
	arena    *projection.Arena
}

// New creates worker id draining q. coord and stats may be nil.
func New(id int, q *queue.Queue, bindings []Binding, coord *ack.Coordinator, stats *observability.Stats, cfg Config, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := recordtype.NewRegistry()
	return &Worker{
		id:       id,
		q:        q,
		cfg:      cfg,
		bindings: bindings,
		coord:    coord,
		stats:    stats,
		logger:   logger.With("worker", id),
		registry: reg,
		engine:   coerce.NewEngine(reg),
		arena:    projection.NewArena(0),
	}
}

// ID returns the worker's index.
func (w *Worker) ID() int {
	return w.id
}

// Run processes batches until ctx ends or the queue is closed and drained.
func (w *Worker) Run(ctx context.Context) error {
	for {
		batch, err := w.collect(ctx)
		if len(batch) > 0 {
			w.ProcessBatch(ctx, batch)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				streamerrors.GetCode(err) == streamerrors.CodeQueueClosed {
				return nil
			}
			return err
		}
	}
}

// collect blocks for the first message of a batch, then takes more until the
// batch is full or MaxWait passes without it filling up.
func (w *Worker) collect(ctx context.Context) ([][]byte, error) {
	first, err := w.q.Pop(ctx)
	if err != nil {
		return nil, err
	}
	batch := [][]byte{first}

	var deadline <-chan time.Time
	if w.cfg.MaxWait > 0 {
		timer := time.NewTimer(w.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}
	for len(batch) < w.cfg.BatchSize {
		changed := w.q.Changed()
		if msg, ok := w.q.TryPop(); ok {
			batch = append(batch, msg)
			continue
		}
		if deadline == nil {
			break
		}
		select {
		case <-changed:
		case <-deadline:
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}

// Result summarizes one processed batch.
type Result struct {
	Messages int
	Bytes    int
	Errors   int
	Rows     map[string]int
}

// ProcessBatch feeds raw messages to every bound view. A view that fails on
// the batch discards its rows for that batch; other views are unaffected.
// Messages are acknowledged whether or not a view failed, and always run
// through every view even after ctx ends.
func (w *Worker) ProcessBatch(_ context.Context, raw [][]byte) Result {
	start := time.Now()
	res := Result{Messages: len(raw), Rows: make(map[string]int, len(w.bindings))}

	msgs := make([]*message.Message, 0, len(raw))
	for _, b := range raw {
		res.Bytes += len(b)
		m, err := message.Unframe(b)
		if err != nil {
			res.Errors++
			w.logger.Error("dropping corrupt message", "bytes", len(b), "error", err)
			continue
		}
		msgs = append(msgs, m)
	}

	for _, bnd := range w.bindings {
		n, err := w.runView(bnd, msgs)
		if err != nil {
			res.Errors++
			w.logger.Warn("continuous query failed on batch",
				"query", bnd.View.Name(), "stream", bnd.Stream, "messages", len(msgs), "error", err)
			w.publish(notify.QueryFailed, bnd.View.Name(), 0)
			continue
		}
		res.Rows[bnd.View.Name()] = n
		if n > 0 {
			w.publish(notify.ViewUpdated, bnd.View.Name(), n)
		}
	}

	w.arena.Reset()
	w.registry.Reset()
	w.acknowledge(msgs)

	if w.stats != nil {
		w.stats.RecordProcBatch(w.id, res.Messages, res.Bytes, res.Errors, time.Since(start))
		if m := w.stats.Metrics(); m != nil {
			m.SetQueueBytes(w.id, w.q.Bytes())
		}
	}
	return res
}

func (w *Worker) runView(bnd Binding, msgs []*message.Message) (int, error) {
	ec := stream.ExecContext{
		InContinuousProcess: true,
		QueryID:             bnd.ID,
		QueryName:           bnd.View.Name(),
	}
	scan, err := stream.BeginScan(ec, stream.NewSliceSource(msgs), stream.ScanOptions{
		Stream:                 bnd.Stream,
		Target:                 bnd.View.Input(),
		Registry:               w.registry,
		Engine:                 w.engine,
		Arena:                  w.arena,
		Stats:                  w.stats,
		DisableDescriptorCache: w.cfg.DisableDescriptorCache,
	})
	if err != nil {
		return 0, err
	}
	defer scan.End()

	var rows []types.Tuple
	for {
		row, ok, err := scan.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	bnd.View.Apply(rows)
	return len(rows), nil
}

func (w *Worker) publish(typ notify.NotificationType, view string, rows int) {
	if w.cfg.Notifier == nil {
		return
	}
	w.cfg.Notifier.Publish(notify.Notification{Type: typ, View: view, Worker: w.id, Rows: rows})
}

func (w *Worker) acknowledge(msgs []*message.Message) {
	if w.coord == nil {
		return
	}
	counts := make(map[uuid.UUID]int)
	for _, m := range msgs {
		if m.Ack != nil {
			counts[m.Ack.BatchID] += m.Ack.Count
		}
	}
	for id, n := range counts {
		if !w.coord.MarkDelivered(id, w.id, n) {
			w.logger.Debug("acknowledged batch no longer tracked", "batch_id", id, "count", n)
		}
	}
}
