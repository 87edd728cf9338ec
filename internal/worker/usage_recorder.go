package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/storage"
	"github.com/eugener/tokenledger/internal/telemetry"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageRecorder buffers usage records and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB).
type UsageRecorder struct {
	ch         chan ledger.UsageRecord
	store      storage.UsageStore
	metrics    *telemetry.Metrics
	flushEvery time.Duration
}

// NewUsageRecorder creates a UsageRecorder backed by store. metrics may be nil.
func NewUsageRecorder(store storage.UsageStore, metrics *telemetry.Metrics) *UsageRecorder {
	return &UsageRecorder{
		ch:         make(chan ledger.UsageRecord, usageChanSize),
		store:      store,
		metrics:    metrics,
		flushEvery: usageFlushEvery,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(r ledger.UsageRecord) {
	select {
	case u.ch <- r:
		u.observeQueue()
	default:
		slog.LogAttrs(context.Background(), slog.LevelWarn, "usage record dropped, channel full",
			slog.String("subject_id", r.SubjectID),
			slog.String("limiter", r.Limiter),
		)
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.flushEvery)
	defer ticker.Stop()

	buf := make([]ledger.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			u.observeQueue()
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []ledger.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			u.observeQueue()
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []ledger.UsageRecord) {
	batch := make([]ledger.UsageRecord, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; the enforcer leaves ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (u *UsageRecorder) observeQueue() {
	if u.metrics != nil {
		u.metrics.UsageQueueLength.Set(float64(len(u.ch)))
	}
}
