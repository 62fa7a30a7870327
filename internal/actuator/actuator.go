// Package actuator wires the full process together: templates, the
// monitoring client, the inbound stream, the outbound queue, and the
// dispatcher between them.
package actuator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/internal/config"
	"github.com/zactuator/zactuator/internal/dispatch"
	"github.com/zactuator/zactuator/internal/hotkeys"
	"github.com/zactuator/zactuator/internal/queue"
	"github.com/zactuator/zactuator/internal/retry"
	"github.com/zactuator/zactuator/internal/stream"
	"github.com/zactuator/zactuator/internal/zabbix"
	"github.com/zactuator/zactuator/pkg/agent"
)

// Actuator runs one monitoring bridge process. Call Run() to start.
type Actuator struct {
	cfg     config.Config
	version string
	logger  zerolog.Logger
	stopCh  chan struct{}

	// Overridable for testing.
	natsOpts   []nats.Option
	httpClient *http.Client
	zbx        zabbix.Client
}

// New creates an Actuator from loaded configuration.
func New(cfg config.Config, version string, logger zerolog.Logger) *Actuator {
	return &Actuator{
		cfg:     cfg,
		version: version,
		logger:  logger.With().Str("component", "actuator").Logger(),
		stopCh:  make(chan struct{}),
	}
}

// NewTestActuator creates an Actuator with injected collaborators and
// in-process NATS connection options.
func NewTestActuator(cfg config.Config, natsOpts []nats.Option, httpClient *http.Client, zbx zabbix.Client, logger zerolog.Logger) *Actuator {
	a := New(cfg, "test", logger)
	a.natsOpts = natsOpts
	a.httpClient = httpClient
	a.zbx = zbx
	return a
}

// Run starts everything and blocks until a signal, Stop(), or a fatal
// stream failure.
func (a *Actuator) Run() error {
	cfg := a.cfg

	// 1. Template registry. A bad template file is fatal at startup,
	// never at dispatch time.
	reg, err := hotkeys.Load(cfg.Templates.HostFile, cfg.Templates.ItemGraphFile, a.logger)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Templates.Watch {
		if err := reg.Watch(ctx); err != nil {
			return fmt.Errorf("watch templates: %w", err)
		}
	}

	// 2. Monitoring client.
	zbx := a.zbx
	if zbx == nil {
		zbx = zabbix.New(zabbix.Config{
			Host:         cfg.Zabbix.Host,
			User:         cfg.Zabbix.User,
			Password:     cfg.Zabbix.Password,
			QueryTimeout: cfg.Zabbix.QueryTimeout,
			MaxRetries:   cfg.Zabbix.MaxRetries,
			RetryBase:    cfg.Zabbix.RetryBase,
		}, a.logger)
	}

	// 3. Broker presence: registration and heartbeats.
	natsOpts := a.natsOpts
	if cfg.NATS.Token != "" {
		natsOpts = append([]nats.Option{nats.Token(cfg.NATS.Token)}, natsOpts...)
	}
	ag, err := agent.New(
		agent.Config{NATSUrl: cfg.NATS.URL, NATSOpts: natsOpts},
		cfg.Identity, cfg.VerboseName, a.version,
		hotkeys.ActionNames(),
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer ag.Close()

	// 4. Outbound queue.
	pub, err := queue.New(ctx, ag.Conn(), queue.Config{
		Identity: cfg.Identity,
		Retry: retry.Policy{
			Base:        cfg.Queue.RetryBase,
			Cap:         30 * time.Second,
			MaxAttempts: cfg.Queue.PublishRetries,
			Jitter:      true,
		},
		NoticesEnabled: cfg.Queue.NoticesEnabled,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}

	// 5. Inbound stream.
	sub := stream.New(stream.Config{
		URL:            cfg.Stream.URL(cfg.Identity),
		QueueDepth:     cfg.Stream.QueueDepth,
		Reconnect:      retry.Forever(cfg.Stream.ReconnectBase, cfg.Stream.ReconnectCap),
		FatalThreshold: cfg.Stream.FatalThreshold,
	}, a.httpClient, a.logger)

	// 6. Dispatcher.
	disp := dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		CommandDeadline: cfg.Dispatch.CommandDeadline,
		DeadlineGrace:   cfg.Dispatch.DeadlineGrace,
	}, reg, zbx, pub, ag, a.logger)

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go sub.Run(streamCtx)

	dispCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispDone := make(chan struct{})
	go func() {
		disp.Run(dispCtx, sub.Commands())
		close(dispDone)
	}()

	a.logger.Info().
		Str("identity", cfg.Identity).
		Str("stream", cfg.Stream.URL(cfg.Identity)).
		Str("nats", cfg.NATS.URL).
		Int("templates", reg.Len()).
		Msg("actuator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-a.stopCh:
		a.logger.Info().Msg("stop requested, shutting down")
	case err := <-sub.Fatal():
		a.logger.Error().Err(err).Msg("inbound stream failing persistently")
		runErr = err
	}

	// Stop the stream first so the command channel drains and closes,
	// then give in-flight work the shutdown grace before aborting it.
	stopStream()
	select {
	case <-dispDone:
	case <-time.After(cfg.Dispatch.ShutdownGrace):
		a.logger.Warn().Msg("shutdown grace elapsed, aborting in-flight commands")
		stopDispatch()
		<-dispDone
	}

	return runErr
}

// Stop signals the actuator to shut down. Safe to call from another
// goroutine.
func (a *Actuator) Stop() {
	close(a.stopCh)
}
