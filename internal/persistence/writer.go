package persistence

import (
	"context"
	"log/slog"
	"time"
)

// transitionAppender is the slice of JournalRepo the writer needs; tests
// substitute a fake.
type transitionAppender interface {
	Append(ctx context.Context, entry TransitionEntry) error
}

// TransitionWriter decouples journal appends from the state machine's
// transition path so a slow disk never delays a transition. Entries are
// appended in enqueue order with a bounded retry per entry.
type TransitionWriter struct {
	logger *slog.Logger
	repo   transitionAppender
	queue  chan TransitionEntry
}

func NewTransitionWriter(logger *slog.Logger, repo transitionAppender, capacity int) *TransitionWriter {
	if capacity <= 0 {
		capacity = 128
	}
	return &TransitionWriter{
		logger: logger,
		repo:   repo,
		queue:  make(chan TransitionEntry, capacity),
	}
}

// Enqueue never blocks the caller: when the queue is full the handoff moves
// to a goroutine instead.
func (w *TransitionWriter) Enqueue(entry TransitionEntry) {
	select {
	case w.queue <- entry:
	default:
		go func() { w.queue <- entry }()
	}
}

func (w *TransitionWriter) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-w.queue:
				w.appendWithRetry(ctx, entry)
			}
		}
	}()
}

func (w *TransitionWriter) appendWithRetry(ctx context.Context, entry TransitionEntry) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.repo.Append(ctx, entry)
		if err == nil {
			return
		}
		w.logger.Error("journal append failed", "from", entry.From, "to", entry.To, "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
}
