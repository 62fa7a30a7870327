// Package stream maintains the resilient subscription to the inbound
// command stream: a long-lived GET carrying server-push events with
// JSON-encoded commands. The connection reconnects forever with
// backoff; decoded commands flow into a bounded channel so a slow
// dispatcher applies backpressure to the reader instead of growing a
// buffer.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/internal/retry"
	"github.com/zactuator/zactuator/pkg/protocol"
)

// Config holds settings for the subscriber.
type Config struct {
	// URL is the stream endpoint with the actuator identity already
	// substituted in.
	URL string

	// QueueDepth bounds the internal command channel.
	QueueDepth int

	// Reconnect is the backoff policy between connection attempts.
	Reconnect retry.Policy

	// FatalThreshold is the number of consecutive connection failures
	// after which a fatal signal is raised. The loop keeps retrying in
	// the background either way.
	FatalThreshold int
}

// Subscriber consumes the command stream. Create with New, start with
// Run, read from Commands. A Subscriber is not restartable once Run
// returns.
type Subscriber struct {
	cfg    Config
	client *http.Client
	out    chan protocol.Command
	fatal  chan error
	logger zerolog.Logger

	// lastDelivered records whether the current connection delivered
	// at least one event. Only touched by the Run goroutine.
	lastDelivered bool
}

// New creates a Subscriber. The http.Client must have no overall
// timeout: the stream request is meant to live forever. Pass nil to
// use a default client.
func New(cfg Config, client *http.Client, logger zerolog.Logger) *Subscriber {
	if client == nil {
		client = &http.Client{}
	}
	return &Subscriber{
		cfg:    cfg,
		client: client,
		out:    make(chan protocol.Command, cfg.QueueDepth),
		fatal:  make(chan error, 1),
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// Commands returns the channel of decoded commands. Closed when Run
// returns.
func (s *Subscriber) Commands() <-chan protocol.Command { return s.out }

// Fatal delivers at most one signal when the connection has failed
// FatalThreshold times in a row. Reconnection continues regardless;
// the signal is for the process lifecycle to decide what degraded
// means.
func (s *Subscriber) Fatal() <-chan error { return s.fatal }

// Run connects and pumps commands until ctx is cancelled. Events that
// fail to decode are dropped with a log record; the stream continues.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.out)

	consecutive := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.lastDelivered = false
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		// A connection that delivered at least one event was healthy;
		// its loss starts a fresh failure count.
		if s.lastDelivered {
			consecutive = 0
		}
		consecutive++
		s.logger.Warn().Err(err).Int("consecutive_failures", consecutive).Msg("stream disconnected")

		if consecutive == s.cfg.FatalThreshold {
			select {
			case s.fatal <- fmt.Errorf("stream failed %d consecutive times: %w", consecutive, err):
			default:
			}
		}

		if err := s.cfg.Reconnect.Sleep(ctx, consecutive); err != nil {
			return
		}
	}
}

// consume opens the stream and pumps events until the connection
// breaks or ctx is cancelled.
func (s *Subscriber) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint status %d", resp.StatusCode)
	}

	s.logger.Info().Str("url", s.cfg.URL).Msg("stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line terminates one event.
			if len(data) > 0 {
				s.deliver(ctx, strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry:, and comment lines carry nothing we
			// need; the command payload is self-describing.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

// deliver decodes one event payload and pushes the command into the
// bounded channel, blocking while the dispatcher is saturated.
func (s *Subscriber) deliver(ctx context.Context, payload string) {
	var cmd protocol.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		s.logger.Error().Err(err).Str("payload", truncate(payload, 200)).Msg("dropping undecodable event")
		return
	}
	if err := cmd.Validate(); err != nil {
		s.logger.Error().Err(err).Msg("dropping invalid command")
		return
	}

	select {
	case s.out <- cmd:
		s.lastDelivered = true
	case <-ctx.Done():
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
