package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/protocol"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow lend.events.<event_type>[.<asset>].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is one event of a committed operation.
type PublishableEvent struct {
	Sequence    int64           `json:"sequence"`
	OperationID string          `json:"operation_id"`
	CommandType string          `json:"command_type"`
	Block       uint64          `json:"block"`
	EventIndex  int             `json:"event_index"`
	EventType   string          `json:"event_type"`
	Asset       protocol.Asset  `json:"asset,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	StateHash   string          `json:"state_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PublishableFromEnvelope flattens an envelope into one message per event.
func PublishableFromEnvelope(env *event.EventEnvelope, now time.Time) []PublishableEvent {
	out := make([]PublishableEvent, 0, len(env.Events))
	hash := hex.EncodeToString(env.StateHash[:])
	for _, rec := range env.Events {
		out = append(out, PublishableEvent{
			Sequence:    env.Sequence,
			OperationID: env.OperationID.String(),
			CommandType: env.CommandType,
			Block:       env.Block,
			EventIndex:  rec.Index,
			EventType:   rec.Name,
			Asset:       rec.Asset,
			Payload:     rec.Payload,
			StateHash:   hash,
			Timestamp:   now,
		})
	}
	return out
}

// Subject is the NATS subject evt is published on.
func (evt PublishableEvent) Subject() string {
	subject := "lend.events." + strings.ToLower(evt.EventType)
	if evt.Asset != protocol.AssetNone {
		subject += "." + evt.Asset.String()
	}
	return subject
}

// MsgID lets JetStream drop a republished event inside its dedup window.
func (evt PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", evt.Sequence, evt.EventIndex)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("outbound-publisher"),
	}
}

// Run publishes until ctx is done or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read the event log directly.
				op.logger.Warn().Err(err).
					Int64("sequence", evt.Sequence).
					Str("event_type", evt.EventType).
					Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.OutboundPublished.Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	cfg := streamConfig("LEND_EVENTS", "lend.events.>")
	cfg.Duplicates = 2 * time.Minute
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("outbound-publisher")
	logger.Info().Str("stream", cfg.Name).Msg("ensured outbound stream")
	return nil
}
