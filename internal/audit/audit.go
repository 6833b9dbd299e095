// Package audit implements a non-blocking, batched audit trail for pipeline
// outcomes.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine — so auditing never blocks the request hot path.
// If the channel fills up (> 10 000 events), new events are dropped and
// counted in DroppedEvents. Payment state itself is never audited-only: the
// billing store is the ledger of record, the trail is for analytics.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one pipeline outcome.
type Event struct {
	ID              uuid.UUID
	RequestID       string
	ClientRequestID string
	AccountID       string
	Operation       string
	Provider        string
	Model           string
	Outcome         string // completed | rejected | failed | reversed
	Reason          string
	CostMicros      int64
	PaymentID       string
	LatencyMs       uint32
	Status          uint16
	CreatedAt       time.Time
}

// Sink receives flushed event batches. Implementations must tolerate being
// called from a single background goroutine.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
}

// Trail is the async audit writer.
type Trail struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
	sinks   []Sink
	log     *slog.Logger
}

// New creates a Trail flushing to the given sinks. With no sinks a default
// slog sink is installed.
func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Trail, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewSlogSink(slogger)}
	}

	t := &Trail{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sinks:   sinks,
		log:     slogger,
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// Record enqueues one event. Never blocks; over capacity the event is
// dropped.
func (t *Trail) Record(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case t.ch <- ev:
	default:
		atomic.AddInt64(&t.droppedEvents, 1)
	}
}

// DroppedEvents returns the number of events discarded due to backpressure.
func (t *Trail) DroppedEvents() int64 {
	return atomic.LoadInt64(&t.droppedEvents)
}

// Close drains the channel, flushes remaining events, and stops the worker.
func (t *Trail) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

func (t *Trail) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, sink := range t.sinks {
			if err := sink.Write(ctx, batch); err != nil {
				t.log.WarnContext(ctx, "audit_sink_write_failed",
					slog.String("error", err.Error()),
					slog.Int("batch_size", len(batch)),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-t.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush(t.baseCtx)
			}

		case <-ticker.C:
			flush(t.baseCtx)

		case <-t.done:
			for {
				select {
				case ev := <-t.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush(t.baseCtx)
					}
				default:
					flush(t.baseCtx)
					return
				}
			}
		}
	}
}

// SlogSink writes events as structured log lines.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "audit_event",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("account_id", e.AccountID),
			slog.String("operation", e.Operation),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("outcome", e.Outcome),
			slog.String("reason", e.Reason),
			slog.Int64("cost_micros", e.CostMicros),
			slog.String("payment_id", e.PaymentID),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Time("created_at", e.CreatedAt.UTC()),
		)
	}
	return nil
}
