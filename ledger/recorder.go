package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_ledger_record_failures_total",
	Help: "Audit entries that could not be written best-effort.",
}, []string{"reason"})

// Appender is the write surface the Recorder needs.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Recorder performs supervised best-effort audit writes. A failed write never
// propagates to the caller; it is logged and counted so operations can alert
// on ledger gaps without coupling them to the financial transition.
type Recorder struct {
	repo    Appender
	jobs    chan Entry
	done    chan struct{}
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(repo Appender, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		repo:    repo,
		jobs:    make(chan Entry, buffer),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	go r.run()
	return r
}

// Record enqueues an entry without blocking. When the buffer is full the
// entry is dropped and counted; money movement must not wait on the ledger.
func (r *Recorder) Record(e Entry) {
	select {
	case r.jobs <- e:
	default:
		recordFailures.WithLabelValues("buffer_full").Inc()
		r.logger.Error("ledger entry dropped, buffer full",
			"transaction_id", e.TransactionID,
			"event_type", e.EventType,
		)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.repo.Append(ctx, e)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrDuplicateEvent) {
			// Replay of an already-recorded event; expected, not a gap.
			continue
		}
		recordFailures.WithLabelValues("append_error").Inc()
		r.logger.Error("ledger append failed",
			"transaction_id", e.TransactionID,
			"event_type", e.EventType,
			"error", err,
		)
	}
}

// Close drains pending entries and stops the worker.
func (r *Recorder) Close() {
	close(r.jobs)
	<-r.done
}
