package signal

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// AnyGeneration tags outbox work that survives Reset.
const AnyGeneration = 0

type outboxOp struct {
	gen uint64
	fn  func(ctx context.Context)
}

// Outbox runs relay writes one at a time on its own goroutine, so envelopes
// to a peer leave in the order they were produced and callers never block on
// the network. Work is tagged with a generation; Reset drops queued work of
// any other generation.
type Outbox struct {
	timeout time.Duration

	mu     sync.Mutex
	ops    []outboxOp
	gen    uint64
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewOutbox starts an outbox whose operations each get timeout to finish.
func NewOutbox(timeout time.Duration) *Outbox {
	o := &Outbox{timeout: timeout, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go o.run()
	return o
}

// Push queues fn. Work for a generation other than the current one, or
// pushed after Close, is dropped.
func (o *Outbox) Push(gen uint64, fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed || (gen != AnyGeneration && gen != o.gen) {
		o.mu.Unlock()
		return
	}
	o.ops = append(o.ops, outboxOp{gen: gen, fn: fn})
	o.mu.Unlock()
	o.signal()
}

// Send queues delivery of env on ch. A failure is passed to onErr when set.
func (o *Outbox) Send(gen uint64, ch Channel, env models.Envelope, onErr func(error)) {
	o.Push(gen, func(ctx context.Context) {
		if _, err := ch.Send(ctx, env); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Reset makes gen current and drops queued work of other generations.
func (o *Outbox) Reset(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen = gen
	kept := o.ops[:0]
	for _, op := range o.ops {
		if op.gen == AnyGeneration || op.gen == gen {
			kept = append(kept, op)
		}
	}
	o.ops = kept
}

// Close lets queued work finish, then stops the worker. Done is closed
// once it has.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) next() (outboxOp, bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ops) == 0 {
		return outboxOp{}, false, o.closed
	}
	op := o.ops[0]
	o.ops[0] = outboxOp{}
	o.ops = o.ops[1:]
	if op.gen != AnyGeneration && op.gen != o.gen {
		return outboxOp{}, true, false
	}
	return op, true, false
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		op, ok, closed := o.next()
		if !ok {
			if closed {
				return
			}
			<-o.wake
			continue
		}
		if op.fn == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		op.fn(ctx)
		cancel()
	}
}
