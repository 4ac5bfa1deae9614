// Package accesslog records access attempts and completed views off the
// request path. Record never blocks: when the buffer is full the event is
// dropped and counted.
package accesslog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/database"
)

const (
	KindAccess = "access"
	KindView   = "view"

	DefaultBuffer = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Sink persists batches of events.
type Sink interface {
	InsertEvents(ctx context.Context, events []database.AccessEvent) error
}

// Logger buffers events and writes them to a Sink from one goroutine.
type Logger struct {
	sink    Sink
	events  chan database.AccessEvent
	clock   clock.Clock
	dropped atomic.Int64
	done    chan struct{}
}

// New creates a logger with a buffer of the given size.
func New(sink Sink, buffer int, clk clock.Clock) *Logger {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Logger{
		sink:   sink,
		events: make(chan database.AccessEvent, buffer),
		clock:  clk,
		done:   make(chan struct{}),
	}
}

// Record queues an event. A zero At is stamped with the current time.
func (l *Logger) Record(e database.AccessEvent) {
	if e.At.IsZero() {
		e.At = l.clock.Now()
	}
	select {
	case l.events <- e:
	default:
		if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("access log buffer full, dropping events", "dropped_total", n)
		}
	}
}

// RecordView queues a completed view.
func (l *Logger) RecordView(principalID, slug string, bytesSent int64) {
	l.Record(database.AccessEvent{
		Kind:        KindView,
		PrincipalID: principalID,
		Slug:        slug,
		Outcome:     "completed",
		BytesSent:   bytesSent,
	})
}

// Dropped returns how many events were discarded because the buffer was full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Start runs the writer goroutine until ctx is cancelled; queued events are
// flushed before it exits.
func (l *Logger) Start(ctx context.Context) {
	go func() {
		defer close(l.done)

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		batch := make([]database.AccessEvent, 0, batchSize)
		for {
			select {
			case e := <-l.events:
				batch = append(batch, e)
				if len(batch) >= batchSize {
					batch = l.flush(ctx, batch)
				}
			case <-ticker.C:
				batch = l.flush(ctx, batch)
			case <-ctx.Done():
				l.drain(batch)
				return
			}
		}
	}()
}

// Wait blocks until the writer goroutine has exited.
func (l *Logger) Wait() {
	<-l.done
}

func (l *Logger) drain(batch []database.AccessEvent) {
	for {
		select {
		case e := <-l.events:
			batch = append(batch, e)
		default:
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.flush(flushCtx, batch)
			return
		}
	}
}

func (l *Logger) flush(ctx context.Context, batch []database.AccessEvent) []database.AccessEvent {
	if len(batch) == 0 {
		return batch
	}
	if err := l.sink.InsertEvents(ctx, batch); err != nil {
		slog.Error("failed to write access events", "count", len(batch), "error", err)
	}
	return batch[:0]
}
