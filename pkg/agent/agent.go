// Package agent handles the actuator's presence on the broker: it
// connects, announces the actions it serves, and heartbeats while the
// process runs.
package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/pkg/protocol"
)

// Config holds connection options for an agent.
type Config struct {
	NATSUrl  string
	NATSOpts []nats.Option
}

// Agent is the actuator's broker presence.
type Agent struct {
	Name        string
	VerboseName string
	Version     string
	Actions     []string

	nc     *nats.Conn
	logger zerolog.Logger
	cancel context.CancelFunc

	commandsProcessed atomic.Int64
	errors            atomic.Int64
	lastCommand       atomic.Value // stores time.Time
}

// New creates an Agent, connects to NATS, registers, and starts heartbeating.
func New(cfg Config, name, verboseName, version string, actions []string, logger zerolog.Logger) (*Agent, error) {
	agentLogger := logger.With().Str("agent", name).Logger()

	// Resilience: infinite reconnect with logging on state changes.
	resilienceOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				agentLogger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			agentLogger.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			agentLogger.Warn().Msg("NATS connection closed")
		}),
	}

	opts := append(resilienceOpts, cfg.NATSOpts...)
	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		Name:        name,
		VerboseName: verboseName,
		Version:     version,
		Actions:     actions,
		nc:          nc,
		logger:      agentLogger,
	}
	a.lastCommand.Store(time.Time{})

	if err := a.register(); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.heartbeatLoop(ctx)

	return a, nil
}

func (a *Agent) register() error {
	reg := protocol.Registration{
		Name:        a.Name,
		VerboseName: a.VerboseName,
		Version:     a.Version,
		Actions:     a.Actions,
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return a.nc.Publish(protocol.SubjectRegistry, data)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// Send an initial heartbeat immediately.
	a.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	hb := protocol.Heartbeat{
		Name:              a.Name,
		Status:            "running",
		LastCommand:       a.lastCommand.Load().(time.Time),
		CommandsProcessed: a.commandsProcessed.Load(),
		Errors:            a.errors.Load(),
	}
	data, _ := json.Marshal(hb)
	if err := a.nc.Publish(protocol.SubjectHeartbeat(a.Name), data); err != nil {
		a.logger.Error().Err(err).Msg("failed to send heartbeat")
	}
}

// Conn returns the underlying NATS connection for custom subscriptions.
func (a *Agent) Conn() *nats.Conn { return a.nc }

// RecordCommand increments counters after processing a command.
func (a *Agent) RecordCommand() {
	a.commandsProcessed.Add(1)
	a.lastCommand.Store(time.Now())
}

// RecordError increments the error counter.
func (a *Agent) RecordError() {
	a.errors.Add(1)
}

// Close stops heartbeating and disconnects.
func (a *Agent) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.nc.Drain()
}
