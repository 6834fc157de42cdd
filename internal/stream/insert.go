package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cqstream/cqstream/internal/ack"
	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/message"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/internal/router"
	"github.com/cqstream/cqstream/pkg/types"
)

// InsertOptions configures an insert.
type InsertOptions struct {
	Stream string
	// Desc is the declared schema of the stream. It is nil for inferred
	// streams, whose rows are described by Columns.
	Desc *types.Descriptor
	// Columns is the insert column list.
	Columns []types.Field

	Readers     *ReaderSet
	Router      *router.Router
	Coordinator *ack.Coordinator
	Registry    *recordtype.Registry
	Stats       *observability.Stats
	Logger      *slog.Logger

	Synchronous       bool
	AckTimeout        time.Duration
	CompressThreshold int

	// Now stamps the arrival time. Defaults to time.Now.
	Now func() time.Time
}

// Insert is one insert statement into a stream.
type Insert struct {
	ec     ExecContext
	opts   InsertOptions
	desc   *types.Descriptor
	packed *message.PackedDescriptor
	framer *message.Framer

	targets []uint32
	mode    ack.Mode
	batch   *ack.Batch
	route   *router.Route
	logger  *slog.Logger

	rows, bytes int
	ended       bool
}

// BeginInsert resolves the row descriptor and the readers of the stream and
// allocates acknowledgment state when the insert waits for its rows to be
// consumed.
func BeginInsert(ec ExecContext, opts InsertOptions) (*Insert, error) {
	desc := opts.Desc
	if desc == nil {
		if len(opts.Columns) == 0 {
			return nil, streamerrors.NewUsageError(streamerrors.CodeInvalidRow,
				fmt.Sprintf("stream %q has no schema and the insert names no columns", opts.Stream))
		}
		desc = types.NewDescriptor(opts.Columns...)
	}
	if opts.Router == nil {
		return nil, streamerrors.NewInternalError("insert requires a router", nil)
	}

	packed, err := message.Pack(desc, opts.Registry)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := &Insert{
		ec:     ec,
		opts:   opts,
		desc:   desc,
		packed: packed,
		framer: message.NewFramer(opts.CompressThreshold),
		mode:   ack.ResolveMode(opts.Synchronous, ec.Reentrant),
		logger: logger.With("stream", opts.Stream),
	}
	if opts.Readers != nil {
		in.targets = opts.Readers.IDs()
	}
	if in.mode == ack.ModeWait && in.hasReaders() {
		if opts.Coordinator == nil {
			return nil, streamerrors.NewInternalError("synchronous insert requires an ack coordinator", nil)
		}
		in.batch = opts.Coordinator.Create()
	}
	return in, nil
}

func (in *Insert) hasReaders() bool {
	return in.opts.Readers == nil || len(in.targets) > 0
}

// Insert delivers row and returns it unchanged. Rows of a stream nobody reads
// are counted and dropped.
func (in *Insert) Insert(ctx context.Context, row types.Tuple) (types.Tuple, error) {
	if in.ended {
		return nil, streamerrors.NewInternalError("insert already ended", nil)
	}
	if len(row) != in.desc.NumFields() {
		return nil, streamerrors.NewUsageError(streamerrors.CodeInvalidRow,
			fmt.Sprintf("row has %d values, stream %q expects %d", len(row), in.opts.Stream, in.desc.NumFields()))
	}
	if !in.hasReaders() {
		in.rows++
		return row, nil
	}

	meta := message.Metadata{Arrival: in.now(), Targets: in.targets}
	if in.batch != nil {
		meta.Ack = &message.AckRef{BatchID: in.batch.ID, Count: 1}
	}
	msg, err := in.framer.Frame(row, in.packed, meta)
	if err != nil {
		return nil, err
	}

	if in.route == nil {
		var policy router.Policy = router.SpreadPolicy{}
		if in.ec.ProducerIdentity != "" {
			policy = router.StickyPolicy{Identity: in.ec.ProducerIdentity}
		}
		in.route, err = in.opts.Router.Begin(ctx, policy)
		if err != nil {
			return nil, err
		}
	}
	if err := in.route.Push(ctx, msg); err != nil {
		return nil, err
	}
	in.rows++
	in.bytes += len(msg)
	return row, nil
}

// End releases the queue, flushes insert statistics and, for a waiting
// insert, blocks until every delivered message has been acknowledged or the
// ack timeout expires.
func (in *Insert) End(ctx context.Context) error {
	if in.ended {
		return nil
	}
	in.ended = true

	delivered, batches := 0, 0
	if in.route != nil {
		delivered = in.route.Count()
		batches = in.route.Batches()
		in.route.Release()
	}
	if in.opts.Stats != nil && in.rows > 0 {
		if batches == 0 {
			batches = 1
		}
		in.opts.Stats.IncrementStreamInsert(in.opts.Stream, in.rows, batches, in.bytes)
	}

	if in.batch == nil {
		return nil
	}
	if delivered == 0 {
		in.opts.Coordinator.Remove(in.batch.ID)
		return nil
	}

	if in.opts.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.opts.AckTimeout)
		defer cancel()
	}
	start := time.Now()
	err := in.opts.Coordinator.WaitAndRemove(ctx, in.batch, delivered)
	if in.opts.Stats != nil {
		if m := in.opts.Stats.Metrics(); m != nil {
			m.ObserveAckWait(in.opts.Stream, time.Since(start))
		}
	}
	if err != nil {
		in.logger.Warn("insert acknowledgment incomplete",
			"batch_id", in.batch.ID, "expected", delivered, "acked", in.batch.Acked(), "error", err)
		return err
	}
	in.logger.Debug("insert acknowledged", "batch_id", in.batch.ID, "rows", delivered, "workers", in.batch.Workers())
	return nil
}

// Descriptor returns the descriptor rows are framed with.
func (in *Insert) Descriptor() *types.Descriptor {
	return in.desc
}

// Mode returns the acknowledgment mode.
func (in *Insert) Mode() ack.Mode {
	return in.mode
}

// Batch returns the acknowledgment batch, nil unless the insert waits.
func (in *Insert) Batch() *ack.Batch {
	return in.batch
}

// Rows returns the number of rows inserted.
func (in *Insert) Rows() int {
	return in.rows
}

func (in *Insert) now() time.Time {
	if in.opts.Now != nil {
		return in.opts.Now()
	}
	return time.Now()
}
