package bus

import (
	"context"

	"github.com/zeromicro/go-zero/core/threading"
)

// Future resolves once the broker has acknowledged an asynchronous
// publish. Callers must either Await it or attach a completion with
// OnComplete; a Future nobody observes hides a lost publish.
type Future struct {
	done chan struct{}
	err  error
}

// Await blocks until the publish resolves or ctx is cancelled, returning
// the publish error (nil on success) or ctx.Err().
func (f *Future) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// OnComplete invokes fn with the publish outcome in a supervised
// goroutine once the future resolves, or with ctx.Err() if ctx is
// cancelled first.
func (f *Future) OnComplete(ctx context.Context, fn func(error)) {
	threading.GoSafe(func() {
		fn(f.Await(ctx))
	})
}

// PublishAsync fans out Publish into a supervised goroutine and returns
// a Future that resolves with the broker acknowledgement.
func (p *Producer) PublishAsync(ctx context.Context, topic, key string, envelope Envelope) *Future {
	f := &Future{done: make(chan struct{})}
	threading.GoSafe(func() {
		f.err = p.Publish(ctx, topic, key, envelope)
		close(f.done)
	})
	return f
}
