package router

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/spaolacci/murmur3"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/queue"
)

// Policy selects the first queue of a route.
type Policy interface {
	// Sticky reports whether every message of the route must land in one
	// queue to keep producer order.
	Sticky() bool
}

// StickyPolicy pins a producer to the queue selected by hashing its
// identity, preserving the order of its messages.
type StickyPolicy struct {
	Identity string
}

func (StickyPolicy) Sticky() bool { return true }

// SpreadPolicy starts at a random queue, rotates every batch-size messages
// and moves to another queue when the current one is full.
type SpreadPolicy struct{}

func (SpreadPolicy) Sticky() bool { return false }

// QueueFor returns the queue index a sticky identity maps to among n queues.
func QueueFor(identity string, n int) int {
	return int(murmur3.Sum32([]byte(identity)) % uint32(n))
}

// Observer is notified of routing decisions.
type Observer interface {
	Rotated(from, to int)
	Rerouted(from, to int)
	Blocked(queue int)
}

type nopObserver struct{}

func (nopObserver) Rotated(int, int)  {}
func (nopObserver) Rerouted(int, int) {}
func (nopObserver) Blocked(int)       {}

// Router delivers messages to worker queues.
type Router struct {
	queues    []*queue.Queue
	batchSize int
	observer  Observer
	intn      func(n int) int
}

// Option configures a Router.
type Option func(*Router)

// WithObserver sets the routing observer.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithRand replaces the random start-queue source.
func WithRand(intn func(n int) int) Option {
	return func(r *Router) {
		r.intn = intn
	}
}

// New creates a router over queues. batchSize is the number of messages a
// spreading route sends to one queue before rotating.
func New(queues []*queue.Queue, batchSize int, opts ...Option) *Router {
	if batchSize <= 0 {
		batchSize = 1
	}
	r := &Router{
		queues:    queues,
		batchSize: batchSize,
		observer:  nopObserver{},
		intn:      rand.IntN,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NumWorkers returns the number of queues, which bounds push retries.
func (r *Router) NumWorkers() int {
	return len(r.queues)
}

// Queues returns the router's queues.
func (r *Router) Queues() []*queue.Queue {
	return r.queues
}

// BatchSize returns the rotation threshold.
func (r *Router) BatchSize() int {
	return r.batchSize
}

// Begin opens a route under policy, acquiring the producer lock of its first
// queue.
func (r *Router) Begin(ctx context.Context, policy Policy) (*Route, error) {
	if len(r.queues) == 0 {
		return nil, streamerrors.NewDeliveryError(streamerrors.CodeNoReaders, "no worker queues", nil)
	}
	if policy == nil {
		policy = SpreadPolicy{}
	}
	rt := &Route{r: r, policy: policy, state: StateRouting, batches: 1}

	if sp, ok := policy.(StickyPolicy); ok {
		q := r.queues[QueueFor(sp.Identity, len(r.queues))]
		if err := q.Lock(ctx); err != nil {
			return nil, err
		}
		rt.q = q
		return rt, nil
	}

	q, err := r.anyWithLock(ctx)
	if err != nil {
		return nil, err
	}
	rt.q = q
	return rt, nil
}

// anyWithLock returns a queue whose producer lock it holds, starting at a
// random queue and taking the first free one. When all are busy it waits on
// the starting queue.
func (r *Router) anyWithLock(ctx context.Context) (*queue.Queue, error) {
	n := len(r.queues)
	start := r.intn(n)
	for i := 0; i < n; i++ {
		q := r.queues[(start+i)%n]
		if q.TryLock() {
			return q, nil
		}
	}
	q := r.queues[start]
	if err := q.Lock(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// nextWithLock returns a queue other than cur whose producer lock it holds.
// It walks the queues after cur in order and takes the first free one; when
// all are busy it waits on the queue right after cur. With a single queue it
// relocks cur.
func (r *Router) nextWithLock(ctx context.Context, cur int) (*queue.Queue, error) {
	n := len(r.queues)
	for i := 1; i < n; i++ {
		q := r.queues[(cur+i)%n]
		if q.TryLock() {
			return q, nil
		}
	}
	q := r.queues[(cur+1)%n]
	if err := q.Lock(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// RouteState is the state of an open route.
type RouteState int

const (
	// StateRouting pushes without waiting and moves on when a queue is full.
	StateRouting RouteState = iota
	// StateBlocked waits for space on the current queue.
	StateBlocked
	// StateReleased no longer holds a queue.
	StateReleased
)

func (s RouteState) String() string {
	switch s {
	case StateRouting:
		return "routing"
	case StateBlocked:
		return "blocked"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("RouteState(%d)", int(s))
	}
}

// Route is one producer's delivery session. It holds the producer lock of
// exactly one queue until Release.
type Route struct {
	r      *Router
	policy Policy
	q      *queue.Queue
	state  RouteState

	count   int
	bytes   int
	batches int
	touched map[int]struct{}
}

// Push delivers msg. A spreading route rotates to the next queue every batch
// size messages. On a full queue it moves through the other queues in order,
// at most once per worker, and the last attempt waits for space. A sticky
// route waits on its own queue.
func (rt *Route) Push(ctx context.Context, msg []byte) error {
	if rt.state == StateReleased {
		return streamerrors.NewInternalError("push on a released route", nil)
	}
	sticky := rt.policy.Sticky()

	if !sticky && rt.count > 0 && rt.count%rt.r.batchSize == 0 {
		from := rt.q.ID()
		rt.q.Unlock()
		q, err := rt.r.nextWithLock(ctx, from)
		if err != nil {
			rt.q = nil
			rt.state = StateReleased
			return err
		}
		rt.q = q
		rt.batches++
		rt.r.observer.Rotated(from, q.ID())
	}

	ok, err := rt.q.PushNoLock(ctx, msg, false)
	if err != nil {
		return err
	}

	if !ok && !sticky {
		rt.batches++
	}
	ntries := 0
	for !ok {
		if sticky {
			ntries = rt.r.NumWorkers()
		} else {
			ntries++
			from := rt.q.ID()
			rt.q.Unlock()
			q, err := rt.r.nextWithLock(ctx, from)
			if err != nil {
				rt.q = nil
				rt.state = StateReleased
				return err
			}
			rt.q = q
			rt.r.observer.Rerouted(from, q.ID())
		}

		wait := ntries >= rt.r.NumWorkers()
		if wait {
			rt.state = StateBlocked
			rt.r.observer.Blocked(rt.q.ID())
		}
		ok, err = rt.q.PushNoLock(ctx, msg, wait)
		if err != nil {
			return err
		}
		rt.state = StateRouting
	}

	rt.count++
	rt.bytes += len(msg)
	if rt.touched == nil {
		rt.touched = make(map[int]struct{})
	}
	rt.touched[rt.q.ID()] = struct{}{}
	return nil
}

// Release drops the producer lock. It is safe to call more than once.
func (rt *Route) Release() {
	if rt.state == StateReleased {
		return
	}
	if rt.q != nil {
		rt.q.Unlock()
		rt.q = nil
	}
	rt.state = StateReleased
}

// State returns the route's state.
func (rt *Route) State() RouteState {
	return rt.state
}

// Queue returns the index of the queue currently held, or -1.
func (rt *Route) Queue() int {
	if rt.q == nil {
		return -1
	}
	return rt.q.ID()
}

// Count returns the number of messages delivered.
func (rt *Route) Count() int {
	return rt.count
}

// Bytes returns the payload bytes delivered.
func (rt *Route) Bytes() int {
	return rt.bytes
}

// Batches returns the number of sub-batches: one plus every rotation and
// every push that found its queue full.
func (rt *Route) Batches() int {
	return rt.batches
}

// Touched returns the number of distinct queues that received a message.
func (rt *Route) Touched() int {
	return len(rt.touched)
}
