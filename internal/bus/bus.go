// Package bus carries stage jobs between workers and fans out notifications.
package bus

import (
	"context"
	"errors"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler processes one job. A nil return acknowledges the job; any error
// negatively acknowledges it without requeue.
type Handler func(ctx context.Context, job pipeline.Job) error

// Bus is a set of durable job queues plus a lossy fan-out channel.
type Bus interface {
	// Publish enqueues job on queue with persistent delivery.
	Publish(ctx context.Context, queue string, job pipeline.Job) error
	// Consume hands jobs from queue to h one at a time until ctx is done.
	// A job already handed to h runs to completion after ctx is cancelled.
	Consume(ctx context.Context, queue string, h Handler) error
	// Notify broadcasts ev to current subscribers. Delivery is best effort.
	Notify(ctx context.Context, ev pipeline.Event) error
	// Subscribe returns a channel of events published after the call. The
	// channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan pipeline.Event, error)
	Close() error
}

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

var (
	_ Bus = (*SQL)(nil)
	_ Bus = (*AMQP)(nil)
)
