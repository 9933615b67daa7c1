// Package events provides an asynchronous event bus for campaign and
// session lifecycle notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
)

// Event types published by the engine.
const (
	CampaignStateChanged = "campaign_state_changed"
	SessionStarted       = "session_started"
	SessionAdvanced      = "session_advanced"
	SessionCompleted     = "session_completed"
	SessionFailed        = "session_failed"
	SessionExpired       = "session_expired"
	MessageSent          = "message_sent"
	ErrorOccurred        = "error_occurred"
)

// Event carries one lifecycle notification.
type Event struct {
	Type       string
	CampaignID string
	SessionID  uint64
	Data       map[string]interface{}
}

// Handler defines the interface for handling events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus manages event subscriptions and asynchronous publishing. Handlers
// run off the publisher's goroutine; a slow dashboard consumer never
// stalls session advancement.
type Bus struct {
	handlers   map[string][]Handler
	mu         sync.RWMutex
	eventCh    chan Event
	errHandler func(event Event, err error)
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom handler for errors returned by
// subscribers.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(b *Bus) {
		b.errHandler = handler
	}
}

// NewBus creates a Bus and starts its processing goroutine. The default
// buffer size is 100.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[string][]Handler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}
	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.processEvents()

	return b
}

// Subscribe subscribes a handler to an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(fn))
}

// HasSubscribers reports whether any handler is registered for the type.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0
}

// Publish enqueues an event for asynchronous delivery. Events with no
// subscribers are dropped silently; a full channel returns
// ErrChannelFull rather than blocking the engine.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	if !b.HasSubscribers(event.Type) {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop stops the processing goroutine and waits for completion. Any
// unprocessed events are discarded.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for len(b.eventCh) > 0 {
			<-b.eventCh
		}
		close(b.eventCh)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) processEvents() {
	defer b.wg.Done()

	for event := range b.eventCh {
		b.mu.RLock()
		handlers := b.handlers[event.Type]
		b.mu.RUnlock()

		for _, h := range handlers {
			if err := h.Handle(context.Background(), event); err != nil {
				b.errHandler(event, err)
			}
		}
	}
}

func defaultErrorHandler(event Event, err error) {
	fmt.Printf("error handling event %s (session %d): %v\nstack: %s\n",
		event.Type, event.SessionID, err, debug.Stack())
}
