// Package dispatch drives commands from the inbound stream to the
// outbound queue. Each command walks a fixed state machine (received,
// resolving, querying, responding) and always terminates: with a
// published response, a typed failure response, or a swept correlation
// entry when everything else went wrong.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/internal/hotkeys"
	"github.com/zactuator/zactuator/internal/zabbix"
	"github.com/zactuator/zactuator/pkg/protocol"
)

// Publisher delivers responses to the outbound queue.
type Publisher interface {
	Publish(ctx context.Context, resp protocol.Response) error
}

// Stats receives per-command counters. pkg/agent satisfies it.
type Stats interface {
	RecordCommand()
	RecordError()
}

// Config holds dispatcher settings.
type Config struct {
	// Workers is the number of goroutines draining the command channel.
	Workers int

	// CommandDeadline bounds one command end to end.
	CommandDeadline time.Duration

	// DeadlineGrace is how long past the deadline a correlation entry
	// may survive before the sweeper force-releases it.
	DeadlineGrace time.Duration
}

type state string

const (
	stateReceived   state = "received"
	stateResolving  state = "resolving"
	stateQuerying   state = "querying"
	stateResponding state = "responding"
)

// pending is one live correlation entry.
type pending struct {
	state    state
	deadline time.Time
	cancel   context.CancelFunc
}

// Dispatcher owns the correlation table and the worker pool.
type Dispatcher struct {
	cfg      Config
	registry *hotkeys.Registry
	zbx      zabbix.Client
	pub      Publisher
	stats    Stats // optional
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a Dispatcher. stats may be nil.
func New(cfg Config, registry *hotkeys.Registry, zbx zabbix.Client, pub Publisher, stats Stats, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.CommandDeadline <= 0 {
		cfg.CommandDeadline = 30 * time.Second
	}
	if cfg.DeadlineGrace <= 0 {
		cfg.DeadlineGrace = 5 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		zbx:      zbx,
		pub:      pub,
		stats:    stats,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Run drains commands until the channel closes or ctx is canceled,
// then waits for in-flight work. It always returns with an empty
// correlation table.
func (d *Dispatcher) Run(ctx context.Context, commands <-chan protocol.Command) {
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	var sweeperDone sync.WaitGroup
	sweeperDone.Add(1)
	go func() {
		defer sweeperDone.Done()
		d.sweep(sweepCtx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cmd := range commands {
				d.process(ctx, cmd)
			}
		}()
	}
	wg.Wait()

	stopSweeper()
	sweeperDone.Wait()
}

// InFlight returns the number of live correlation entries.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// admit inserts a correlation entry, refusing duplicate ids. A
// duplicate means the transport replayed an event; the first delivery
// wins and the replay is dropped. Returns nil on refusal.
func (d *Dispatcher) admit(id string, deadline time.Time, cancel context.CancelFunc) *pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		d.pending = make(map[string]*pending)
	}
	if _, dup := d.pending[id]; dup {
		return nil
	}
	p := &pending{state: stateReceived, deadline: deadline, cancel: cancel}
	d.pending[id] = p
	return p
}

func (d *Dispatcher) setState(p *pending, s state) {
	d.mu.Lock()
	p.state = s
	d.mu.Unlock()
}

// release removes the worker's own entry. After a sweep the id may be
// held by a replay's live entry, which must survive a stale release.
func (d *Dispatcher) release(id string, p *pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[id] == p {
		delete(d.pending, id)
	}
}

// sweep cancels overdue commands and force-releases entries that
// outlived deadline plus grace. The force release covers a wedged
// worker; a late response for a swept entry is possible and harmless
// since the broker deduplicates by command id.
func (d *Dispatcher) sweep(ctx context.Context) {
	tick := d.cfg.DeadlineGrace / 2
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for id, p := range d.pending {
				if now.After(p.deadline.Add(d.cfg.DeadlineGrace)) {
					delete(d.pending, id)
					d.logger.Error().Str("command_id", id).Str("state", string(p.state)).
						Msg("correlation entry outlived deadline and grace, swept")
					continue
				}
				if now.After(p.deadline) {
					p.cancel()
				}
			}
			d.mu.Unlock()
		}
	}
}

// process runs one command through the state machine.
func (d *Dispatcher) process(ctx context.Context, cmd protocol.Command) {
	deadline := time.Now().Add(d.cfg.CommandDeadline)
	cmdCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	p := d.admit(cmd.ID, deadline, cancel)
	if p == nil {
		d.logger.Warn().Str("command_id", cmd.ID).Stringer("target", cmd.Target).
			Msg("duplicate command id, dropped")
		return
	}
	defer d.release(cmd.ID, p)

	logger := d.logger.With().Str("command_id", cmd.ID).Stringer("target", cmd.Target).
		Str("action", cmd.Action).Logger()

	d.setState(p, stateResolving)
	entry, failResp, err := d.resolve(cmd)
	if err == nil {
		d.setState(p, stateQuerying)
		var resp protocol.Response
		resp, err = d.execute(cmdCtx, cmd, entry)
		if err == nil {
			d.setState(p, stateResponding)
			if pubErr := d.pub.Publish(cmdCtx, resp); pubErr != nil {
				d.fail(logger, protocol.FailureDeliveryError, pubErr)
				return
			}
			logger.Info().Msg("command done")
			if d.stats != nil {
				d.stats.RecordCommand()
			}
			return
		}
		kind, body := classify(err)
		failResp = d.failResponse(cmd, kind, body)
	}

	d.fail(logger, failResp.Failure, err)
	d.publishBestEffort(failResp)
}

// fail emits the one structured failure record per failed command.
func (d *Dispatcher) fail(logger zerolog.Logger, kind protocol.FailureKind, err error) {
	logger.Error().Err(err).Str("failure", string(kind)).Msg("command failed")
	if d.stats != nil {
		d.stats.RecordError()
	}
}

// publishBestEffort delivers a failure response without tying it to
// the command context, which may already be expired or canceled.
func (d *Dispatcher) publishBestEffort(resp protocol.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.pub.Publish(ctx, resp); err != nil {
		d.logger.Warn().Err(err).Str("command_id", resp.CorrelatesTo).
			Msg("failure response not delivered")
	}
}

// resolve maps the command onto a template entry. The templates are
// the sole source of truth for what is actionable; anything they do
// not name fails here without touching the monitoring system.
func (d *Dispatcher) resolve(cmd protocol.Command) (hotkeys.Entry, protocol.Response, error) {
	action, err := hotkeys.ParseAction(cmd.Action)
	if err != nil {
		resp := d.failResponse(cmd, protocol.FailureUnresolvedTemplate,
			fmt.Sprintf(">>WARNING<< Unknown action %q", cmd.Action))
		return hotkeys.Entry{}, resp, err
	}
	entry, err := d.registry.Resolve(cmd.Target, action)
	if err != nil {
		resp := d.failResponse(cmd, protocol.FailureUnresolvedTemplate,
			fmt.Sprintf(">>WARNING<< No template for %s with action %q", cmd.Target, cmd.Action))
		return hotkeys.Entry{}, resp, err
	}
	return entry, protocol.Response{}, nil
}

// execute runs the resolved action against the monitoring system and
// renders the response.
func (d *Dispatcher) execute(ctx context.Context, cmd protocol.Command, entry hotkeys.Entry) (protocol.Response, error) {
	var (
		resp protocol.Response
		err  error
	)
	switch hotkeys.Action(cmd.Action) {
	case hotkeys.ActionHostInfo:
		resp, err = d.renderHostInfo(ctx, cmd, entry)
	case hotkeys.ActionGetItems:
		resp, err = d.renderItems(ctx, cmd, entry)
	case hotkeys.ActionGraph:
		resp, err = d.renderGraph(ctx, cmd, entry)
	case hotkeys.ActionHistory:
		resp, err = d.renderHistory(ctx, cmd, entry)
	case hotkeys.ActionBadTriggers:
		resp, err = d.renderBadTriggers(ctx, cmd, entry)
	case hotkeys.ActionHotKeys:
		resp, err = d.renderHotKeys(cmd, entry)
	default:
		err = fmt.Errorf("action %q has no renderer", cmd.Action)
	}
	return resp, err
}

func (d *Dispatcher) failResponse(cmd protocol.Command, kind protocol.FailureKind, body string) protocol.Response {
	return protocol.Response{
		CorrelatesTo: cmd.ID,
		Destination:  cmd.Origin,
		Subject:      fmt.Sprintf("Command %s failed", cmd.Action),
		Body:         body,
		Failure:      kind,
	}
}

// errBadTemplate marks an entry whose data cannot serve the action it
// allows. The templates are misconfigured, not the monitoring system.
var errBadTemplate = errors.New("unusable template entry")

// classify maps an execution error to a failure kind and a
// user-facing body.
func classify(err error) (protocol.FailureKind, string) {
	switch {
	case errors.Is(err, errBadTemplate):
		return protocol.FailureUnresolvedTemplate, ">>WARNING<< Template for this command is misconfigured"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.FailureTimeout, ">>WARNING<< Command timed out. Try again!"
	case errors.Is(err, context.Canceled):
		return protocol.FailureShutdown, ">>WARNING<< Actuator is shutting down, command aborted"
	case errors.Is(err, zabbix.ErrAuthFailed):
		return protocol.FailureMonitoringError, ">>PROBLEM<< Auth on Zabbix failed! Check auth data"
	default:
		return protocol.FailureMonitoringError, ">>DISASTER<< No connection to Zabbix!\nTry again!"
	}
}
