package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// Hub is an in-process fan-out. Slow subscribers miss events instead of
// blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan pipeline.Event]struct{}
	closed bool

	retryMin, retryMax time.Duration
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[chan pipeline.Event]struct{}),
		retryMin: reconnectMin,
		retryMax: reconnectMax,
	}
}

// Source is a stream of events a Hub can relay, usually a Bus.
type Source interface {
	Subscribe(ctx context.Context) (<-chan pipeline.Event, error)
}

// Relay broadcasts events from src until ctx is done, then closes the hub.
// When src ends its stream or refuses to subscribe, Relay subscribes again
// with backoff; hub subscribers stay connected across the gap.
func (h *Hub) Relay(ctx context.Context, src Source) {
	defer h.Close()
	delay := h.retryMin
	for {
		events, err := src.Subscribe(ctx)
		if err == nil {
			received := false
			for ev := range events {
				received = true
				h.Broadcast(ev)
			}
			if received {
				delay = h.retryMin
			}
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}
		slog.Warn("event source ended, resubscribing", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > h.retryMax {
			delay = h.retryMax
		}
	}
}

// Broadcast delivers ev to every subscriber with room in its buffer and
// returns how many received it.
func (h *Hub) Broadcast(ev pipeline.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.subs {
		select {
		case ch <- ev:
			n++
		default:
		}
	}
	return n
}

// Subscribe registers a subscriber until ctx is done.
func (h *Hub) Subscribe(ctx context.Context) (<-chan pipeline.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	ch := make(chan pipeline.Event, subscriberBuffer)
	h.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		h.remove(ch)
	}()
	return ch, nil
}

func (h *Hub) remove(ch chan pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
