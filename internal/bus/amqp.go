package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// AMQP is a Bus on a RabbitMQ broker. Job queues are durable with persistent
// delivery; notifications go through a durable fanout exchange to exclusive
// per-subscriber queues. A dropped connection is redialled with backoff.
type AMQP struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]bool
	closed   bool
}

// DialAMQP connects to url and declares the notification exchange. It fails
// fast so that an unreachable broker stops startup.
func DialAMQP(url, exchange string) (*AMQP, error) {
	b := &AMQP{
		url:      url,
		exchange: exchange,
		logger:   slog.Default(),
		declared: make(map[string]bool),
	}
	if _, err := b.dialLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQP) dialLocked() (*amqp.Connection, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := openPublisher(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", b.exchange, err)
	}
	b.conn = conn
	b.pub = ch
	b.declared = make(map[string]bool)
	return conn, nil
}

// connection returns a live connection, redialling with backoff until ctx
// is done.
func (b *AMQP) connection(ctx context.Context) (*amqp.Connection, error) {
	delay := reconnectMin
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if b.conn != nil && !b.conn.IsClosed() {
			conn := b.conn
			b.mu.Unlock()
			return conn, nil
		}
		conn, err := b.dialLocked()
		b.mu.Unlock()
		if err == nil {
			b.logger.Info("broker connected", "exchange", b.exchange)
			return conn, nil
		}

		b.logger.Warn("broker unavailable, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// openPublisher opens a channel in confirm mode, so every publish on it is
// acknowledged by the broker once the message is routed and, for persistent
// messages on durable queues, written to disk.
func openPublisher(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	return ch, nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", name, err)
	}
	return nil
}

func (b *AMQP) Publish(ctx context.Context, queue string, job pipeline.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	return b.publish(ctx, "", queue, msg)
}

// errNotConfirmed is returned when the broker nacks a publish or the channel
// closes before confirming it.
var errNotConfirmed = errors.New("broker did not confirm the message")

// publish sends msg and waits for the broker's confirmation, reconnecting
// once if the channel was lost. A nil return means the broker has the
// message.
func (b *AMQP) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := b.connection(ctx); err != nil {
			return err
		}

		b.mu.Lock()
		ch := b.pub
		if exchange == "" && !b.declared[key] {
			if err := declareQueue(ch, key); err != nil {
				b.mu.Unlock()
				lastErr = err
				b.resetPublisher(ch)
				continue
			}
			b.declared[key] = true
		}
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
		b.mu.Unlock()
		if err == nil {
			err = waitConfirm(ctx, dc)
			if err == nil {
				return nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, errNotConfirmed) && !ch.IsClosed() {
			// A nack on a live channel is the broker's answer; resending
			// would be rejected the same way.
			break
		}
		b.resetPublisher(ch)
	}
	return fmt.Errorf("publishing to %s%s: %w", exchange, key, lastErr)
}

func waitConfirm(ctx context.Context, dc *amqp.DeferredConfirmation) error {
	if dc == nil {
		// The channel is not in confirm mode.
		return errNotConfirmed
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNotConfirmed
	}
	return nil
}

// resetPublisher replaces a failed publishing channel on a live connection.
// A dead connection is redialled by the next call to connection.
func (b *AMQP) resetPublisher(failed *amqp.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != failed || b.conn == nil || b.conn.IsClosed() {
		return
	}
	ch, err := openPublisher(b.conn)
	if err != nil {
		b.logger.Warn("reopening publish channel failed", "error", err)
		return
	}
	failed.Close()
	b.pub = ch
	b.declared = make(map[string]bool)
}

// Consume processes queue with prefetch 1 until ctx is done, resuming on a
// fresh channel after connection loss.
func (b *AMQP) Consume(ctx context.Context, queue string, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := b.consumeSession(ctx, queue, h)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("consumer interrupted", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectMin):
			}
		}
	}
}

func (b *AMQP) consumeSession(ctx context.Context, queue string, h Handler) error {
	conn, err := b.connection(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		return err
	}
	tag := "email-agent-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}
	b.logger.Info("consuming", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			ch.Cancel(tag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			b.handle(ctx, queue, d, h)
		}
	}
}

func (b *AMQP) handle(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	jobCtx := context.WithoutCancel(ctx)

	job, err := pipeline.DecodeJob(d.Body)
	if err != nil {
		b.logger.Warn("dropping malformed job", "queue", queue, "message_id", d.MessageId, "error", err)
		if nerr := d.Nack(false, false); nerr != nil {
			b.logger.Error("nack failed", "queue", queue, "error", nerr)
		}
		return
	}

	if herr := h(jobCtx, job); herr != nil {
		if nerr := d.Nack(false, false); nerr != nil {
			b.logger.Error("nack failed", "queue", queue, "record_id", job.RecordID, "error", nerr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		b.logger.Error("ack failed", "queue", queue, "record_id", job.RecordID, "error", err)
	}
}

func (b *AMQP) Notify(ctx context.Context, ev pipeline.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return b.publish(ctx, b.exchange, "", amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Subscribe binds an exclusive auto-deleted queue to the exchange. After a
// dropped connection a fresh queue is declared and bound on the new
// connection; events published in between are lost. The returned channel
// closes when ctx is done or the bus is closed.
func (b *AMQP) Subscribe(ctx context.Context) (<-chan pipeline.Event, error) {
	ch, deliveries, err := b.subscribeSession(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan pipeline.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			b.relayDeliveries(ctx, deliveries, out)
			ch.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("notification subscription lost, resubscribing")

			next, nd, err := b.resubscribe(ctx)
			if err != nil {
				return
			}
			ch, deliveries = next, nd
		}
	}()
	return out, nil
}

// resubscribe retries subscribeSession until it succeeds, ctx is done or
// the bus is closed.
func (b *AMQP) resubscribe(ctx context.Context) (*amqp.Channel, <-chan amqp.Delivery, error) {
	delay := reconnectMin
	for {
		ch, deliveries, err := b.subscribeSession(ctx)
		if err == nil {
			b.logger.Info("notification subscription restored")
			return ch, deliveries, nil
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return nil, nil, err
		}
		b.logger.Warn("resubscribing failed", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

func (b *AMQP) subscribeSession(ctx context.Context) (*amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("opening channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declaring subscriber queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("binding subscriber queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consuming subscriber queue: %w", err)
	}
	return ch, deliveries, nil
}

// relayDeliveries copies events to out until ctx is done or deliveries
// closes. A full out drops the event.
func (b *AMQP) relayDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var ev pipeline.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				b.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
