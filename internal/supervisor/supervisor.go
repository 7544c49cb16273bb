// Package supervisor owns every live bot connection. It starts, stops and
// restarts instances and guarantees at most one live connection per
// instance id.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"clonehost/internal/engine"
	"clonehost/internal/metrics"
	"clonehost/internal/registry"
)

var (
	ErrAlreadyRunning = errors.New("instance already running")
	ErrNotRunning     = errors.New("instance not running")
	ErrConnectFailure = errors.New("instance connect failure")
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	// StatusStopping means a stop was requested and the connection, or the
	// start attempt that may still produce one, has not been released yet.
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

type Kind string

const (
	KindPrimary  Kind = "primary"
	KindExtended Kind = "extended"
	KindClone    Kind = "clone"
)

type Credential struct {
	InstanceID string
	OwnerID    int64
	Token      string
	Kind       Kind
}

// Connection is one authenticated client session. Attach is called before
// Start so no update can arrive without a handler.
type Connection interface {
	Attach(h engine.Handler)
	Start() error
	// Stop stops receiving updates, drains in-flight handlers until ctx is
	// done and releases the session.
	Stop(ctx context.Context) error
	Username() string
}

type Connector interface {
	Connect(ctx context.Context, cred Credential) (Connection, error)
}

type Registry interface {
	ListAll(ctx context.Context) ([]registry.Record, error)
}

type Config struct {
	Connector    Connector
	Handler      engine.Handler
	Registry     Registry
	StartTimeout time.Duration
	Grace        time.Duration
	Concurrency  int
	Logger       zerolog.Logger
}

type instance struct {
	id        string
	kind      Kind
	ownerID   int64
	status    Status
	cause     error
	conn      Connection
	username  string
	changedAt time.Time
	// released is closed once the instance can no longer hold a live
	// connection after leaving Starting or Running.
	released chan struct{}
}

func (i *instance) live() bool {
	return i.status == StatusStarting || i.status == StatusRunning || i.status == StatusStopping
}

type Supervisor struct {
	connector    Connector
	handler      engine.Handler
	registry     Registry
	startTimeout time.Duration
	grace        time.Duration
	concurrency  int
	logger       zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

func New(cfg Config) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Supervisor{
		connector:    cfg.Connector,
		handler:      cfg.Handler,
		registry:     cfg.Registry,
		startTimeout: cfg.StartTimeout,
		grace:        cfg.Grace,
		concurrency:  cfg.Concurrency,
		logger:       cfg.Logger.With().Str("component", "supervisor").Logger(),
		instances:    make(map[string]*instance),
	}
}

// StartOne connects one instance. Presence is checked and registered under
// the lock before any network call, so concurrent calls for the same id
// cannot both proceed. While an earlier connection for the id is still being
// released, StartOne waits for it.
func (s *Supervisor) StartOne(ctx context.Context, cred Credential) error {
	if cred.Kind == "" {
		cred.Kind = KindClone
	}

	s.mu.Lock()
	for {
		cur, ok := s.instances[cred.InstanceID]
		if !ok || cur.status != StatusStopping {
			break
		}
		released := cur.released
		s.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			return fmt.Errorf("%w: previous connection still stopping: %w", ErrConnectFailure, ctx.Err())
		}
		s.mu.Lock()
	}
	if cur, ok := s.instances[cred.InstanceID]; ok && cur.live() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	inst := &instance{
		id:        cred.InstanceID,
		kind:      cred.Kind,
		ownerID:   cred.OwnerID,
		status:    StatusStarting,
		changedAt: time.Now(),
		released:  make(chan struct{}),
	}
	s.instances[cred.InstanceID] = inst
	s.mu.Unlock()

	log := s.logger.With().Str("instance_id", cred.InstanceID).Str("kind", string(cred.Kind)).Logger()

	conn, err := s.connect(ctx, cred)
	if err != nil {
		s.settle(inst, err)
		log.Error().Err(err).Msg("instance failed to connect")
		return fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}

	conn.Attach(s.handler)
	if !s.stillStarting(inst) {
		s.release(conn)
		s.settle(inst, nil)
		log.Info().Msg("instance stopped while starting, connection released")
		return fmt.Errorf("%w: stopped while starting", ErrConnectFailure)
	}
	if err := conn.Start(); err != nil {
		s.release(conn)
		s.settle(inst, err)
		log.Error().Err(err).Msg("instance failed to start receiving updates")
		return fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}

	s.mu.Lock()
	if inst.status != StatusStarting {
		s.mu.Unlock()
		s.release(conn)
		s.settle(inst, nil)
		log.Info().Msg("instance stopped while starting, connection released")
		return fmt.Errorf("%w: stopped while starting", ErrConnectFailure)
	}
	inst.status = StatusRunning
	inst.conn = conn
	inst.username = conn.Username()
	inst.changedAt = time.Now()
	s.mu.Unlock()

	metrics.Global().InstancesRunning.Inc()
	log.Info().Str("username", conn.Username()).Msg("instance running")
	return nil
}

func (s *Supervisor) stillStarting(inst *instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return inst.status == StatusStarting
}

// connect bounds the handshake by the start timeout. A connection that
// completes after the timeout is closed in the background.
func (s *Supervisor) connect(ctx context.Context, cred Credential) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := s.connector.Connect(ctx, cred)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.conn == nil {
			return nil, fmt.Errorf("connector returned no connection")
		}
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.conn != nil {
				s.release(r.conn)
			}
		}()
		return nil, fmt.Errorf("connect timed out after %s: %w", s.startTimeout, ctx.Err())
	}
}

func (s *Supervisor) release(conn Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := conn.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release connection")
	}
}

// settle ends a start attempt that never reached Running. An attempt that
// was asked to stop ends Stopped, any other ends Failed with cause.
func (s *Supervisor) settle(inst *instance, cause error) {
	failed := false
	s.mu.Lock()
	switch inst.status {
	case StatusStarting:
		inst.status = StatusFailed
		inst.cause = cause
		failed = true
	case StatusStopping:
		inst.status = StatusStopped
	}
	inst.changedAt = time.Now()
	close(inst.released)
	s.mu.Unlock()
	if failed {
		metrics.Global().InstanceStartFailures.Inc()
	}
}

// MarkFailed records an instance that could not even be attempted, such as
// a credential that failed to unseal.
func (s *Supervisor) MarkFailed(cred Credential, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.instances[cred.InstanceID]; ok && cur.live() {
		return
	}
	s.instances[cred.InstanceID] = &instance{
		id:        cred.InstanceID,
		kind:      cred.Kind,
		ownerID:   cred.OwnerID,
		status:    StatusFailed,
		cause:     cause,
		changedAt: time.Now(),
	}
	metrics.Global().InstanceStartFailures.Inc()
}

type Failure struct {
	InstanceID string
	Cause      error
}

type Report struct {
	Started        int
	AlreadyRunning int
	Failed         []Failure
}

// StartAll starts every registered clone concurrently. One instance's
// failure never cancels or delays the others; failures are collected in the
// report. Instances already running are left alone, so it is safe to call
// again after a partial failure.
func (s *Supervisor) StartAll(ctx context.Context) (Report, error) {
	records, err := s.registry.ListAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list credentials: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, rec := range records {
		cred := Credential{InstanceID: rec.InstanceID, OwnerID: rec.OwnerID, Token: rec.BotToken, Kind: KindClone}
		if rec.OpenErr != nil {
			s.MarkFailed(cred, rec.OpenErr)
			report.Failed = append(report.Failed, Failure{InstanceID: rec.InstanceID, Cause: rec.OpenErr})
			continue
		}
		g.Go(func() error {
			err := s.StartOne(ctx, cred)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Started++
			case errors.Is(err, ErrAlreadyRunning):
				report.AlreadyRunning++
			default:
				report.Failed = append(report.Failed, Failure{InstanceID: cred.InstanceID, Cause: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].InstanceID < report.Failed[j].InstanceID })
	s.logger.Info().
		Int("records", len(records)).
		Int("started", report.Started).
		Int("already_running", report.AlreadyRunning).
		Int("failed", len(report.Failed)).
		Msg("start all finished")
	return report, nil
}

// RestartBots is the boot hook; it only (re)starts instances that are not
// running.
func (s *Supervisor) RestartBots(ctx context.Context) (Report, error) {
	return s.StartAll(ctx)
}

// StopOne shuts an instance down. The instance ends up Stopped even when the
// drain exceeds the grace period; the drain error is still returned. An
// instance still starting is told to abort, and StopOne waits for the
// attempt to release whatever connection it opened.
func (s *Supervisor) StopOne(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok || (inst.status != StatusRunning && inst.status != StatusStarting) {
		s.mu.Unlock()
		return ErrNotRunning
	}
	wasRunning := inst.status == StatusRunning
	conn := inst.conn
	inst.status = StatusStopping
	inst.conn = nil
	inst.changedAt = time.Now()
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	if !wasRunning {
		select {
		case <-inst.released:
			return nil
		case <-stopCtx.Done():
			s.logger.Warn().Str("instance_id", instanceID).Msg("start attempt still running after stop grace")
			return fmt.Errorf("stop %s: %w", instanceID, stopCtx.Err())
		}
	}

	metrics.Global().InstancesRunning.Dec()
	err := conn.Stop(stopCtx)

	s.mu.Lock()
	inst.status = StatusStopped
	inst.changedAt = time.Now()
	close(inst.released)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("instance drain incomplete")
		return fmt.Errorf("stop %s: %w", instanceID, err)
	}
	s.logger.Info().Str("instance_id", instanceID).Msg("instance stopped")
	return nil
}

type StopReport struct {
	Stopped int
	Failed  []Failure
}

// StopAll stops every live instance concurrently, logging and continuing
// past individual failures.
func (s *Supervisor) StopAll(ctx context.Context) StopReport {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id, inst := range s.instances {
		if inst.status == StatusRunning || inst.status == StatusStarting {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var (
		mu     sync.Mutex
		report StopReport
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.StopOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Stopped++
			case errors.Is(err, ErrNotRunning):
			default:
				report.Failed = append(report.Failed, Failure{InstanceID: id, Cause: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].InstanceID < report.Failed[j].InstanceID })
	s.logger.Info().Int("stopped", report.Stopped).Int("failed", len(report.Failed)).Msg("stop all finished")
	return report
}

type InstanceInfo struct {
	InstanceID string
	Kind       Kind
	OwnerID    int64
	Status     Status
	Cause      string
	Username   string
	ChangedAt  time.Time
}

func (s *Supervisor) Status(instanceID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return "", false
	}
	return inst.status, true
}

// Snapshot lists all known instances, primary first, then extended, then
// clones by id.
func (s *Supervisor) Snapshot() []InstanceInfo {
	s.mu.Lock()
	out := make([]InstanceInfo, 0, len(s.instances))
	for _, inst := range s.instances {
		info := InstanceInfo{
			InstanceID: inst.id,
			Kind:       inst.kind,
			OwnerID:    inst.ownerID,
			Status:     inst.status,
			Username:   inst.username,
			ChangedAt:  inst.changedAt,
		}
		if inst.cause != nil {
			info.Cause = inst.cause.Error()
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if ki, kj := kindOrder(out[i].Kind), kindOrder(out[j].Kind); ki != kj {
			return ki < kj
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Counts returns the number of instances per status.
func (s *Supervisor) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int, 4)
	for _, inst := range s.instances {
		out[inst.status]++
	}
	return out
}

func kindOrder(k Kind) int {
	switch k {
	case KindPrimary:
		return 0
	case KindExtended:
		return 1
	default:
		return 2
	}
}
