package inbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Inbox is a buffered, typed hand-off between goroutines. Senders give up
// after a timeout instead of blocking forever on a stalled consumer.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64
	maxDepth atomic.Int64
}

// Stats is a snapshot of inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a new inbox with the specified buffer size and send timeout.
// The timeout is measured on clock; nil selects the real clock.
func New[T any](bufferSize int, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *Inbox[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		clock:   clock,
		logger:  logger,
	}
}

// Send delivers msg, waiting at most the inbox timeout for buffer space.
// Returns false if the message was dropped.
func (ib *Inbox[T]) Send(msg T) bool {
	// Only arm a timer when the buffer is full
	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.recordDepth()
		return true
	default:
	}

	timer := ib.clock.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.recordDepth()
		return true
	case <-timer.Chan():
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available or ctx is done
func (ib *Inbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (ib *Inbox[T]) recordDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// Stats returns a snapshot of the inbox statistics
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}
