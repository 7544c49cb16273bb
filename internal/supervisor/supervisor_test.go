package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"clonehost/internal/engine"
	"clonehost/internal/registry"
)

type fakeConn struct {
	id       string
	attached atomic.Bool
	started  atomic.Bool
	stopped  atomic.Bool
	stopErr  error
}

func (c *fakeConn) Attach(engine.Handler) { c.attached.Store(true) }

func (c *fakeConn) Start() error {
	if !c.attached.Load() {
		return errors.New("started without handler")
	}
	c.started.Store(true)
	return nil
}

func (c *fakeConn) Stop(context.Context) error {
	c.stopped.Store(true)
	return c.stopErr
}

func (c *fakeConn) Username() string { return "bot_" + c.id }

type fakeConnector struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	all   []*fakeConn
	fail  map[string]error
	gate  chan struct{}
	// ignoreCtx makes Connect wait for gate even after the caller gave up.
	ignoreCtx bool
	calls     atomic.Int32
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{conns: make(map[string]*fakeConn), fail: make(map[string]error)}
}

func (f *fakeConnector) Connect(ctx context.Context, cred Credential) (Connection, error) {
	f.calls.Add(1)
	if f.gate != nil {
		if f.ignoreCtx {
			<-f.gate
		} else {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[cred.InstanceID]; err != nil {
		return nil, err
	}
	c := &fakeConn{id: cred.InstanceID}
	f.conns[cred.InstanceID] = c
	f.all = append(f.all, c)
	return c, nil
}

func (f *fakeConnector) conn(id string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

func (f *fakeConnector) opened() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.all...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeRegistry struct {
	records []registry.Record
}

func (r fakeRegistry) ListAll(context.Context) ([]registry.Record, error) { return r.records, nil }

type nopHandler struct{}

func (nopHandler) Handle(context.Context, engine.Outbox, engine.Message) error { return nil }

func newTestSupervisor(conn Connector, reg Registry) *Supervisor {
	return New(Config{
		Connector:    conn,
		Handler:      nopHandler{},
		Registry:     reg,
		StartTimeout: time.Second,
		Grace:        100 * time.Millisecond,
		Concurrency:  4,
		Logger:       zerolog.Nop(),
	})
}

func cloneCred(id string) Credential {
	return Credential{InstanceID: id, OwnerID: 7, Token: id + ":secret", Kind: KindClone}
}

func TestConcurrentStartOneSingleWinner(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	fc.gate = make(chan struct{})
	s := newTestSupervisor(fc, fakeRegistry{})

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.StartOne(context.Background(), cloneCred("1001"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(fc.gate)
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			already++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || already != callers-1 {
		t.Fatalf("expected exactly one winner, got ok=%d already=%d", ok, already)
	}
	if fc.calls.Load() != 1 {
		t.Fatalf("expected a single connect, got %d", fc.calls.Load())
	}
	if st, _ := s.Status("1001"); st != StatusRunning {
		t.Fatalf("expected running, got %s", st)
	}
	if c := fc.conn("1001"); !c.attached.Load() || !c.started.Load() {
		t.Fatalf("handler must be attached before start")
	}

	s.StopAll(context.Background())
}

func TestStartAllIsolatesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	fc.fail["2002"] = errors.New("401 unauthorized")
	reg := fakeRegistry{records: []registry.Record{
		{InstanceID: "1001", OwnerID: 1, BotToken: "1001:a"},
		{InstanceID: "2002", OwnerID: 2, BotToken: "2002:b"},
		{InstanceID: "3003", OwnerID: 3, BotToken: "3003:c"},
		{InstanceID: "4004", OwnerID: 4, OpenErr: errors.New("unknown key")},
	}}
	s := newTestSupervisor(fc, reg)

	report, err := s.StartAll(context.Background())
	if err != nil {
		t.Fatalf("start all: %v", err)
	}
	if report.Started != 2 || len(report.Failed) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Failed[0].InstanceID != "2002" || !errors.Is(report.Failed[0].Cause, ErrConnectFailure) {
		t.Fatalf("unexpected failure %+v", report.Failed[0])
	}
	if report.Failed[1].InstanceID != "4004" {
		t.Fatalf("unsealable record must be reported, got %+v", report.Failed[1])
	}

	want := map[string]Status{"1001": StatusRunning, "2002": StatusFailed, "3003": StatusRunning, "4004": StatusFailed}
	for id, st := range want {
		got, ok := s.Status(id)
		if !ok || got != st {
			t.Fatalf("instance %s: want %s got %s", id, st, got)
		}
	}
	for _, info := range s.Snapshot() {
		if info.Status == StatusFailed && info.Cause == "" {
			t.Fatalf("failed instance %s has no recorded cause", info.InstanceID)
		}
	}

	delete(fc.fail, "2002")
	again, err := s.RestartBots(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if again.Started != 1 || again.AlreadyRunning != 2 {
		t.Fatalf("restart must only start instances that are not running, got %+v", again)
	}

	stop := s.StopAll(context.Background())
	if stop.Stopped != 3 || len(stop.Failed) != 0 {
		t.Fatalf("unexpected stop report %+v", stop)
	}
}

func TestStartTimeoutMarksFailedAndReleasesLateConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	fc.gate = make(chan struct{})
	fc.ignoreCtx = true
	s := New(Config{
		Connector:    fc,
		Handler:      nopHandler{},
		Registry:     fakeRegistry{},
		StartTimeout: 30 * time.Millisecond,
		Grace:        50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	err := s.StartOne(context.Background(), cloneCred("1001"))
	if !errors.Is(err, ErrConnectFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout connect failure, got %v", err)
	}
	if st, _ := s.Status("1001"); st != StatusFailed {
		t.Fatalf("expected failed, got %s", st)
	}

	close(fc.gate)
	deadline := time.Now().Add(time.Second)
	for {
		if c := fc.conn("1001"); c != nil && c.stopped.Load() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late connection was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopOneIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	s := newTestSupervisor(fc, fakeRegistry{})
	ctx := context.Background()

	if err := s.StopOne(ctx, "missing"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for unknown instance, got %v", err)
	}
	if err := s.StartOne(ctx, cloneCred("1001")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StopOne(ctx, "1001"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !fc.conn("1001").stopped.Load() {
		t.Fatalf("connection not released")
	}

	before := s.Snapshot()
	if err := s.StopOne(ctx, "1001"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning on second stop, got %v", err)
	}
	after := s.Snapshot()
	if len(before) != 1 || len(after) != 1 || before[0] != after[0] {
		t.Fatalf("second stop must not change state: %+v vs %+v", before, after)
	}

	if err := s.StartOne(ctx, cloneCred("1001")); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	s.StopAll(ctx)
}

func TestStopOneStopsEvenWhenDrainFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	s := newTestSupervisor(fc, fakeRegistry{})
	ctx := context.Background()

	if err := s.StartOne(ctx, cloneCred("1001")); err != nil {
		t.Fatalf("start: %v", err)
	}
	fc.conn("1001").stopErr = context.DeadlineExceeded

	if err := s.StopOne(ctx, "1001"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain error to be reported, got %v", err)
	}
	if st, _ := s.Status("1001"); st != StatusStopped {
		t.Fatalf("instance must be stopped regardless of drain, got %s", st)
	}
}

func TestSnapshotOrdersByKind(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	s := newTestSupervisor(fc, fakeRegistry{})
	ctx := context.Background()

	for _, cred := range []Credential{
		cloneCred("5"),
		{InstanceID: "9", Kind: KindExtended},
		{InstanceID: "8", Kind: KindPrimary},
	} {
		if err := s.StartOne(ctx, cred); err != nil {
			t.Fatalf("start %s: %v", cred.InstanceID, err)
		}
	}
	snap := s.Snapshot()
	if len(snap) != 3 || snap[0].Kind != KindPrimary || snap[1].Kind != KindExtended || snap[2].Kind != KindClone {
		t.Fatalf("unexpected order %+v", snap)
	}
	if counts := s.Counts(); counts[StatusRunning] != 3 {
		t.Fatalf("unexpected counts %v", counts)
	}
	s.StopAll(ctx)
}

func TestStopDuringStartNeverLeavesTwoConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	fc.gate = make(chan struct{})
	s := New(Config{
		Connector:    fc,
		Handler:      nopHandler{},
		Registry:     fakeRegistry{},
		StartTimeout: time.Second,
		Grace:        time.Second,
		Logger:       zerolog.Nop(),
	})
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() { firstErr <- s.StartOne(ctx, cloneCred("1001")) }()
	waitFor(t, "first connect", func() bool { return fc.calls.Load() == 1 })

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.StopOne(ctx, "1001") }()
	waitFor(t, "stopping state", func() bool {
		st, _ := s.Status("1001")
		return st == StatusStopping
	})

	secondErr := make(chan error, 1)
	go func() { secondErr <- s.StartOne(ctx, cloneCred("1001")) }()
	time.Sleep(20 * time.Millisecond)
	if fc.calls.Load() != 1 {
		t.Fatalf("second start must wait for the first attempt to release its connection")
	}

	close(fc.gate)
	if err := <-firstErr; !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected the stopped attempt to fail, got %v", err)
	}
	if err := <-stopErr; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-secondErr; err != nil {
		t.Fatalf("second start: %v", err)
	}

	conns := fc.opened()
	if len(conns) != 2 {
		t.Fatalf("expected two connects, got %d", len(conns))
	}
	if conns[0].started.Load() || !conns[0].stopped.Load() {
		t.Fatalf("aborted attempt must be released without receiving updates")
	}
	if !conns[1].started.Load() || conns[1].stopped.Load() {
		t.Fatalf("second connection must be live")
	}
	if st, _ := s.Status("1001"); st != StatusRunning {
		t.Fatalf("expected running, got %s", st)
	}
	s.StopAll(ctx)
}

func TestStopAllContinuesPastFailedStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeConnector()
	s := newTestSupervisor(fc, fakeRegistry{})
	ctx := context.Background()

	for _, id := range []string{"1001", "2002", "3003"} {
		if err := s.StartOne(ctx, cloneCred(id)); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	fc.conn("2002").stopErr = errors.New("drain failed")

	report := s.StopAll(ctx)
	if report.Stopped != 2 || len(report.Failed) != 1 || report.Failed[0].InstanceID != "2002" {
		t.Fatalf("unexpected stop report %+v", report)
	}
	for _, id := range []string{"1001", "2002", "3003"} {
		if !fc.conn(id).stopped.Load() {
			t.Fatalf("connection %s was not released", id)
		}
		if st, _ := s.Status(id); st != StatusStopped {
			t.Fatalf("instance %s: expected stopped, got %s", id, st)
		}
	}
}
