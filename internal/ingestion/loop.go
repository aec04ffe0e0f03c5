package ingestion

import (
	"context"
	"time"

	"LendLedger/internal/observability"
	"LendLedger/internal/protocol"

	"github.com/rs/zerolog"
)

// IngestLoop drains NATS messages into the core. Messages are acked once
// the core has decided on them, whether committed, ignored or rejected:
// every core rejection is deterministic, so redelivery cannot change it.
// Unparseable messages are acked too, to avoid a redelivery loop.
type IngestLoop struct {
	in      <-chan RawEvent
	core    Submitter
	admins  Admins
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIngestLoop(in <-chan RawEvent, c Submitter, admins Admins, metrics *observability.Metrics) *IngestLoop {
	return &IngestLoop{
		in:      in,
		core:    c,
		admins:  admins,
		metrics: metrics,
		logger:  observability.NewLogger("ingest"),
	}
}

// Run returns when ctx is done or the input channel closes.
func (l *IngestLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-l.in:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				nak(raw)
				return ctx.Err()
			}
			l.handle(raw)
		}
	}
}

func (l *IngestLoop) handle(raw RawEvent) {
	if l.metrics != nil {
		l.metrics.IngestReceived.WithLabelValues(raw.Kind).Inc()
	}

	env, err := ParseRawEvent(raw, l.admins)
	if err != nil {
		if l.metrics != nil {
			l.metrics.IngestInvalid.WithLabelValues(raw.Kind).Inc()
		}
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse message failed")
		ack(raw)
		return
	}

	res, err := l.core.Submit(env)
	switch {
	case err != nil:
		l.logger.Info().
			Str("subject", raw.Subject).
			Str("operation_id", env.OperationID.String()).
			Str("code", protocol.CodeOf(err)).
			Err(err).
			Msg("operation rejected")
	case res.Ignored:
		l.logger.Debug().
			Str("subject", raw.Subject).
			Str("operation_id", env.OperationID.String()).
			Msg("operation ignored")
	}
	ack(raw)
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

// BlockClock is the part of the core the block ticker reads.
type BlockClock interface {
	Submitter
	Block() uint64
}

// RunBlockTicker advances the protocol block by one every interval. It is
// used when no external chain feeds lend.blocks.
func RunBlockTicker(ctx context.Context, c BlockClock, interval time.Duration) error {
	logger := observability.NewLogger("block-ticker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next := c.Block() + 1
			if _, err := c.Submit(BlockEnvelope(next)); err != nil {
				logger.Warn().Err(err).Uint64("block", next).Msg("advance block failed")
			}
		}
	}
}
