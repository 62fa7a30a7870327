package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/internal/hotkeys"
	"github.com/zactuator/zactuator/internal/zabbix"
	"github.com/zactuator/zactuator/pkg/protocol"
)

const testHosts = `[
  {
    "id": "Line1",
    "host": "zbx-line1",
    "actions": ["hostinfo", "badtriggers", "hotkeys", "getitems"],
    "items": ["30414", "30415"],
    "graphs": {"CPU load": "1112"},
    "item_graphs": {"Temperature": "30414"}
  }
]`

const testElements = `[
  {"id": "30414", "type": "item", "name": "Temperature", "actions": ["getitems", "graph", "history"]},
  {"id": "1112", "type": "graph", "name": "CPU load", "actions": ["graph"]}
]`

func testRegistry(t *testing.T) *hotkeys.Registry {
	t.Helper()
	dir := t.TempDir()
	hostFile := filepath.Join(dir, "host_info.json")
	elemFile := filepath.Join(dir, "hot_keys.json")
	if err := os.WriteFile(hostFile, []byte(testHosts), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(elemFile, []byte(testElements), 0600); err != nil {
		t.Fatal(err)
	}
	r, err := hotkeys.Load(hostFile, elemFile, zerolog.Nop())
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	return r
}

// fakeZabbix serves canned data. A non-nil gate makes every query
// block until the gate closes, honoring ctx unless ignoreCtx is set.
type fakeZabbix struct {
	mu        sync.Mutex
	calls     int
	err       error
	items     []zabbix.Item
	triggers  []zabbix.Trigger
	history   []zabbix.HistoryPoint
	element   zabbix.ElementInfo
	png       []byte
	gate      chan struct{}
	ignoreCtx bool
}

func (f *fakeZabbix) wait(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	gate, err, ignore := f.gate, f.err, f.ignoreCtx
	f.mu.Unlock()
	if gate != nil {
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (f *fakeZabbix) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeZabbix) ItemValues(ctx context.Context, itemIDs []string) ([]zabbix.Item, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.items, nil
}

func (f *fakeZabbix) HostTriggers(ctx context.Context, host string, priorities []int) ([]zabbix.Trigger, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.triggers, nil
}

func (f *fakeZabbix) ItemHistory(ctx context.Context, itemID string, periodHours, limit int) ([]zabbix.HistoryPoint, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.history, nil
}

func (f *fakeZabbix) ElementInfo(ctx context.Context, source zabbix.GraphSource, id string) (zabbix.ElementInfo, error) {
	if err := f.wait(ctx); err != nil {
		return zabbix.ElementInfo{}, err
	}
	return f.element, nil
}

func (f *fakeZabbix) FetchGraph(ctx context.Context, source zabbix.GraphSource, id string, periodHours int) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.png, nil
}

type capturePublisher struct {
	mu        sync.Mutex
	err       error
	responses []protocol.Response
}

func (p *capturePublisher) Publish(_ context.Context, resp protocol.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.responses = append(p.responses, resp)
	return nil
}

func (p *capturePublisher) all() []protocol.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Response(nil), p.responses...)
}

type fakeStats struct{ commands, errs atomic.Int64 }

func (s *fakeStats) RecordCommand() { s.commands.Add(1) }
func (s *fakeStats) RecordError()   { s.errs.Add(1) }

func hostCmd(id, action string) protocol.Command {
	return protocol.Command{
		ID:     id,
		Target: protocol.EntityRef{Type: protocol.EntityHost, ID: "line1"},
		Action: action,
		Origin: protocol.Origin{Channel: "chat", User: "operator"},
	}
}

// run feeds the commands through a dispatcher and waits for it to
// drain them.
func run(t *testing.T, d *Dispatcher, cmds ...protocol.Command) {
	t.Helper()
	ch := make(chan protocol.Command, len(cmds))
	for _, c := range cmds {
		ch <- c
	}
	close(ch)
	d.Run(context.Background(), ch)
}

func TestResolvedCommandYieldsCorrelatedResponse(t *testing.T) {
	zbx := &fakeZabbix{
		items: []zabbix.Item{{ID: "30414", Name: "Temperature", LastValue: "42", Hosts: []string{"zbx-line1"}}},
	}
	pub := &capturePublisher{}
	stats := &fakeStats{}
	d := New(Config{}, testRegistry(t), zbx, pub, stats, zerolog.Nop())

	run(t, d, hostCmd("c1", "hostinfo"))

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("responses = %d, want 1", len(got))
	}
	resp := got[0]
	if resp.CorrelatesTo != "c1" {
		t.Errorf("CorrelatesTo = %q, want c1", resp.CorrelatesTo)
	}
	if resp.IsFailure() {
		t.Errorf("unexpected failure %q", resp.Failure)
	}
	if resp.Destination.Channel != "chat" || resp.Destination.User != "operator" {
		t.Errorf("Destination = %+v, not copied from origin", resp.Destination)
	}
	if !strings.Contains(resp.Body, "42") {
		t.Errorf("body %q missing item value", resp.Body)
	}
	if !strings.Contains(resp.Body, "No problems") {
		t.Errorf("body %q missing trigger summary", resp.Body)
	}
	if stats.commands.Load() != 1 || stats.errs.Load() != 0 {
		t.Errorf("stats = %d commands %d errors", stats.commands.Load(), stats.errs.Load())
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight = %d after drain", d.InFlight())
	}
}

func TestUnknownHostFailsWithoutQuerying(t *testing.T) {
	zbx := &fakeZabbix{}
	pub := &capturePublisher{}
	d := New(Config{}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	cmd := protocol.Command{
		ID:     "c2",
		Target: protocol.EntityRef{Type: protocol.EntityHost, ID: "h9"},
		Action: "hostinfo",
		Origin: protocol.Origin{Channel: "chat"},
	}
	run(t, d, cmd)

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("responses = %d, want 1", len(got))
	}
	if got[0].Failure != protocol.FailureUnresolvedTemplate {
		t.Errorf("failure = %q, want unresolved-template", got[0].Failure)
	}
	if got[0].CorrelatesTo != "c2" {
		t.Errorf("CorrelatesTo = %q, want c2", got[0].CorrelatesTo)
	}
	if zbx.callCount() != 0 {
		t.Errorf("monitoring queried %d times for an unresolved command", zbx.callCount())
	}
}

func TestUnknownActionFailsWithoutQuerying(t *testing.T) {
	zbx := &fakeZabbix{}
	pub := &capturePublisher{}
	d := New(Config{}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	run(t, d, hostCmd("c2b", "reboot"))

	got := pub.all()
	if len(got) != 1 || got[0].Failure != protocol.FailureUnresolvedTemplate {
		t.Fatalf("responses = %+v, want one unresolved-template failure", got)
	}
	if zbx.callCount() != 0 {
		t.Errorf("monitoring queried for an unknown action")
	}
}

func TestMonitoringErrorProducesFailureResponse(t *testing.T) {
	zbx := &fakeZabbix{err: errors.New("connect refused")}
	pub := &capturePublisher{}
	stats := &fakeStats{}
	d := New(Config{}, testRegistry(t), zbx, pub, stats, zerolog.Nop())

	run(t, d, hostCmd("c3", "hostinfo"))

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("responses = %d, want 1", len(got))
	}
	if got[0].Failure != protocol.FailureMonitoringError {
		t.Errorf("failure = %q, want monitoring-error", got[0].Failure)
	}
	if got[0].CorrelatesTo != "c3" {
		t.Errorf("CorrelatesTo = %q, want c3", got[0].CorrelatesTo)
	}
	if stats.errs.Load() != 1 {
		t.Errorf("errors recorded = %d, want 1", stats.errs.Load())
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight = %d, correlation entry leaked", d.InFlight())
	}
}

func TestAuthFailureMentionsAuth(t *testing.T) {
	zbx := &fakeZabbix{err: zabbix.ErrAuthFailed}
	pub := &capturePublisher{}
	d := New(Config{}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	run(t, d, hostCmd("c3b", "hostinfo"))

	got := pub.all()
	if len(got) != 1 || !strings.Contains(got[0].Body, "Auth") {
		t.Fatalf("responses = %+v, want auth failure body", got)
	}
}

func TestDeliveryFailureReleasesEntry(t *testing.T) {
	zbx := &fakeZabbix{}
	pub := &capturePublisher{err: errors.New("broker unreachable")}
	stats := &fakeStats{}
	d := New(Config{}, testRegistry(t), zbx, pub, stats, zerolog.Nop())

	run(t, d, hostCmd("c5", "hostinfo"))

	if stats.errs.Load() != 1 {
		t.Errorf("errors recorded = %d, want 1", stats.errs.Load())
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight = %d, correlation entry leaked", d.InFlight())
	}
}

func TestConcurrentDuplicateIDDropped(t *testing.T) {
	gate := make(chan struct{})
	zbx := &fakeZabbix{gate: gate}
	pub := &capturePublisher{}
	d := New(Config{Workers: 2}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	ch := make(chan protocol.Command, 2)
	ch <- hostCmd("dup", "hostinfo")
	ch <- hostCmd("dup", "hostinfo")
	close(ch)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), ch)
		close(done)
	}()

	// Wait until the first delivery is in flight, then let it finish.
	// The second delivery of the same id must have been refused.
	waitFor(t, func() bool { return zbx.callCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	close(gate)
	<-done

	if got := pub.all(); len(got) != 1 {
		t.Fatalf("responses = %d, want 1 (duplicate id dropped)", len(got))
	}
}

func TestDeadlineForcesTimeoutFailure(t *testing.T) {
	gate := make(chan struct{}) // never closed, queries block on ctx
	defer close(gate)
	zbx := &fakeZabbix{gate: gate}
	pub := &capturePublisher{}
	d := New(Config{CommandDeadline: 50 * time.Millisecond}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	run(t, d, hostCmd("c4", "hostinfo"))

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("responses = %d, want 1", len(got))
	}
	if got[0].Failure != protocol.FailureTimeout {
		t.Errorf("failure = %q, want timeout", got[0].Failure)
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight = %d, correlation entry leaked", d.InFlight())
	}
}

func TestSweeperReleasesWedgedEntry(t *testing.T) {
	gate := make(chan struct{})
	zbx := &fakeZabbix{gate: gate, ignoreCtx: true}
	pub := &capturePublisher{}
	d := New(Config{
		CommandDeadline: 30 * time.Millisecond,
		DeadlineGrace:   30 * time.Millisecond,
	}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	ch := make(chan protocol.Command, 1)
	ch <- hostCmd("wedged", "hostinfo")

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), ch)
		close(done)
	}()

	waitFor(t, func() bool { return d.InFlight() == 1 })

	// The worker ignores cancellation, so only the sweeper can release
	// the entry once deadline plus grace has passed.
	waitFor(t, func() bool { return d.InFlight() == 0 })

	close(gate)
	close(ch)
	<-done
}

func TestStaleReleaseKeepsReplayEntry(t *testing.T) {
	d := New(Config{}, testRegistry(t), &fakeZabbix{}, &capturePublisher{}, nil, zerolog.Nop())

	deadline := time.Now().Add(time.Minute)
	first := d.admit("replayed", deadline, func() {})
	if first == nil {
		t.Fatal("first admit refused")
	}

	// The sweeper force-released the entry while its worker was wedged.
	d.mu.Lock()
	delete(d.pending, "replayed")
	d.mu.Unlock()

	second := d.admit("replayed", deadline, func() {})
	if second == nil {
		t.Fatal("replay refused after a force release")
	}

	// The wedged worker's deferred release fires late. It must not
	// remove the replay's live entry.
	d.release("replayed", first)
	if d.InFlight() != 1 {
		t.Fatalf("InFlight = %d, stale release removed the replay entry", d.InFlight())
	}

	d.release("replayed", second)
	if d.InFlight() != 0 {
		t.Fatalf("InFlight = %d after owner release", d.InFlight())
	}
}

func TestWorkersRunInParallel(t *testing.T) {
	gate := make(chan struct{})
	zbx := &fakeZabbix{gate: gate}
	pub := &capturePublisher{}
	d := New(Config{Workers: 4}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	ch := make(chan protocol.Command, 4)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		ch <- hostCmd(id, "hostinfo")
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), ch)
		close(done)
	}()

	// All four must be in flight at once before any can finish.
	waitFor(t, func() bool { return d.InFlight() == 4 })
	close(gate)
	<-done

	if got := pub.all(); len(got) != 4 {
		t.Fatalf("responses = %d, want 4", len(got))
	}
}

func TestShutdownAbortsInFlightCommand(t *testing.T) {
	gate := make(chan struct{}) // never closed
	defer close(gate)
	zbx := &fakeZabbix{gate: gate}
	pub := &capturePublisher{}
	d := New(Config{}, testRegistry(t), zbx, pub, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan protocol.Command, 1)
	ch <- hostCmd("c6", "hostinfo")

	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	waitFor(t, func() bool { return d.InFlight() == 1 })
	cancel()
	close(ch)
	<-done

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("responses = %d, want 1", len(got))
	}
	if got[0].Failure != protocol.FailureShutdown {
		t.Errorf("failure = %q, want shutdown", got[0].Failure)
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight = %d after shutdown", d.InFlight())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
