// Package queue publishes responses to the outbound broker queue with
// delivery confirmation. Publishes are acknowledged by the broker
// (JetStream PubAck); the message id is set to the command correlation
// id so a retried or replayed publish is deduplicated broker-side.
// Delivery is at-least-once; exactly-once is not guaranteed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/internal/retry"
	"github.com/zactuator/zactuator/pkg/protocol"
)

// ErrDeliveryFailed marks a publish that exhausted its retry budget.
var ErrDeliveryFailed = errors.New("queue: delivery failed")

// Config holds publisher settings.
type Config struct {
	// Identity selects the response subject.
	Identity string

	// Retry bounds redelivery attempts for one response.
	Retry retry.Policy

	// NoticesEnabled turns on the best-effort secondary notice path.
	NoticesEnabled bool

	// DedupWindow is how long the broker remembers message ids.
	DedupWindow time.Duration
}

// Publisher delivers Response envelopes to the response queue.
type Publisher struct {
	cfg    Config
	js     jetstream.JetStream
	logger zerolog.Logger
}

// New creates a Publisher and ensures the response stream exists.
func New(ctx context.Context, nc *nats.Conn, cfg Config, logger zerolog.Logger) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	dedup := cfg.DedupWindow
	if dedup == 0 {
		dedup = 2 * time.Minute
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       protocol.ResponseStreamName,
		Subjects:   []string{protocol.ResponseSubjectWildcard},
		Duplicates: dedup,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure response stream: %w", err)
	}

	return &Publisher{
		cfg:    cfg,
		js:     js,
		logger: logger.With().Str("component", "queue").Logger(),
	}, nil
}

// Publish delivers one response, retrying transient broker failures.
// On exhaustion it returns ErrDeliveryFailed and, when configured,
// emits a best-effort notice on the secondary path. The response is
// not mutated after handoff.
func (p *Publisher) Publish(ctx context.Context, resp protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response %s: %w", resp.CorrelatesTo, err)
	}

	subject := protocol.SubjectResponses(p.cfg.Identity)
	err = p.cfg.Retry.Do(ctx, func() error {
		_, pubErr := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(resp.CorrelatesTo))
		return pubErr
	})
	if err == nil {
		p.logger.Debug().Str("command_id", resp.CorrelatesTo).Msg("response published")
		return nil
	}

	p.logger.Error().Err(err).Str("command_id", resp.CorrelatesTo).Msg("publish retries exhausted")
	p.notifyDeliveryFailure(resp.CorrelatesTo)
	return fmt.Errorf("%w: response %s: %v", ErrDeliveryFailed, resp.CorrelatesTo, err)
}

// notifyDeliveryFailure emits one fire-and-forget notice on the
// secondary subject. Its own failure is only logged; there is no
// further fallback.
func (p *Publisher) notifyDeliveryFailure(commandID string) {
	if !p.cfg.NoticesEnabled {
		return
	}

	notice, err := json.Marshal(map[string]string{
		"notice_id":  uuid.NewString(),
		"kind":       string(protocol.FailureDeliveryError),
		"command_id": commandID,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.js.Publish(ctx, protocol.SubjectNotices(p.cfg.Identity), notice); err != nil {
		p.logger.Warn().Err(err).Str("command_id", commandID).Msg("delivery-failure notice not published")
	}
}
