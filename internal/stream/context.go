// Package stream implements the scan and insert lifecycles of a stream
// relation. Inserting frames each row into an event message and routes it to
// the worker queues; scanning projects the messages of one worker batch into
// the row shape a continuous query expects.
package stream

import (
	"fmt"
	"math"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
)

// ReadHint is attached to the error raised when a stream is read outside a
// continuous query.
const ReadHint = "Streams can only be read by a continuous view's FROM clause."

// ExecContext describes the execution environment of a scan or insert.
type ExecContext struct {
	// InContinuousProcess is set inside worker processes.
	InContinuousProcess bool
	// RootIsContinuous is set when the statement being planned defines a
	// continuous query.
	RootIsContinuous bool
	// QueryID identifies the continuous query a scan feeds. Messages whose
	// target set excludes it are skipped. Zero reads every message.
	QueryID uint32
	// QueryName labels read statistics.
	QueryName string
	// Reentrant marks an insert issued while a delivery is being consumed,
	// for example a view writing its output into another stream.
	Reentrant bool
	// ProducerIdentity pins the inserts of a downstream stage to one queue.
	// Empty means spread routing.
	ProducerIdentity string
}

// CheckReadable fails unless stream may be read in ec.
func CheckReadable(stream string, ec ExecContext) error {
	if ec.InContinuousProcess || ec.RootIsContinuous {
		return nil
	}
	return streamerrors.NewUsageError(streamerrors.CodeNotContinuousContext,
		fmt.Sprintf("%q is a stream", stream)).
		WithHint(ReadHint).
		WithDetails(map[string]interface{}{"stream": stream})
}

// EstimateRows is the planner row estimate of one stream scan.
func EstimateRows(batchSize int) float64 {
	return math.Min(100, float64(batchSize)*0.25)
}
