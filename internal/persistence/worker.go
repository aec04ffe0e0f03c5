package persistence

import (
	"context"
	"database/sql"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/rs/zerolog"
)

// Record mirrors core.CoreOutput to avoid an import cycle.
// The orchestrator (cmd/lendledger) bridges between the two.
type Record struct {
	Envelope *event.EventEnvelope
	Delta    state.Delta
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with a BLOCKING send, so if this
// worker falls behind the core stalls and no operation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *StateWriter
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewStateWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run batches incoming records and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("records", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, rec)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. A batch is never dropped.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Record) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// Shutdown: one last try on a fresh context.
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes the operation log rows and the state deltas of batch in one
// transaction, applying deltas in sequence order.
func (pw *PersistenceWorker) flush(ctx context.Context, batch []Record) error {
	start := time.Now()

	ops := make([]OperationRow, 0, len(batch))
	var events []EventRow
	for _, rec := range batch {
		ops = append(ops, OperationRowFromEnvelope(rec.Envelope))
		events = append(events, EventRowsFromEnvelope(rec.Envelope)...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteOperationBatch(ctx, tx, ops); err != nil {
		pw.countError("write_operations")
		return err
	}
	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	for _, rec := range batch {
		if err := pw.writer.UpsertDelta(ctx, tx, rec.Envelope.Sequence, rec.Delta); err != nil {
			pw.countError("write_state")
			return err
		}
	}
	last := batch[len(batch)-1].Envelope
	if err := pw.writer.UpdateMeta(ctx, tx, last.Sequence, last.Block, last.StateHash[:]); err != nil {
		pw.countError("write_meta")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistOpsWritten.Add(float64(len(ops)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistLastSequence.Set(float64(last.Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
