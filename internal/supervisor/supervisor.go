package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/danmuck/nlpctl/internal/observability"
	"github.com/danmuck/nlpctl/internal/retry"
)

var (
	ErrServerIDRequired     = errors.New("supervisor: server id required")
	ErrServerStartupTimeout = errors.New("supervisor: server startup timeout")
	ErrServerUnavailable    = errors.New("supervisor: server unavailable")
	ErrPortInUse            = errors.New("supervisor: port already in use")
	ErrInvalidStartMode     = errors.New("supervisor: invalid start mode")
)

var tracer = otel.Tracer("github.com/danmuck/nlpctl/internal/supervisor")

// StartupConfig configures how one logical server is reached or spawned.
type StartupConfig struct {
	Launch         LaunchSpec
	Mode           StartMode
	Host           string
	Port           int
	Endpoint       string
	StartupTimeout time.Duration
	ProbeTimeout   time.Duration
	HealthPath     string
	StopGrace      time.Duration
	Backoff        retry.BackoffConfig
}

func DefaultStartupConfig() StartupConfig {
	return StartupConfig{
		Mode:           StartTry,
		Host:           "127.0.0.1",
		StartupTimeout: 120 * time.Second,
		ProbeTimeout:   2 * time.Second,
		HealthPath:     "/ready",
		StopGrace:      5 * time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     2 * time.Second,
		},
	}
}

// WithDefaults fills zero fields from DefaultStartupConfig.
func (c StartupConfig) WithDefaults() StartupConfig {
	def := DefaultStartupConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if strings.TrimSpace(c.HealthPath) == "" {
		c.HealthPath = def.HealthPath
	}
	if c.StopGrace <= 0 {
		c.StopGrace = def.StopGrace
	}
	if c.Backoff == (retry.BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	c.Backoff = c.Backoff.WithDefaults()
	return c
}

func (c StartupConfig) endpoint(port int) string {
	if ep := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/"); ep != "" {
		return ep
	}
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// ServerHandle is one supervised (or adopted) server.
type ServerHandle struct {
	id          string
	endpoint    string
	port        int
	shutdownKey string
	proc        Process
	sup         *Supervisor
}

func (h *ServerHandle) ID() string       { return h.id }
func (h *ServerHandle) Endpoint() string { return h.endpoint }
func (h *ServerHandle) Port() int        { return h.port }

// Managed reports whether the supervisor spawned the process and will stop it.
func (h *ServerHandle) Managed() bool { return h.proc != nil }

func (h *ServerHandle) Pid() int {
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid()
}

// State is the current state of the identifier if h is still its live handle,
// StateAbsent otherwise.
func (h *ServerHandle) State() State {
	return h.sup.stateOf(h)
}

func (h *ServerHandle) alive() bool {
	if h.proc == nil {
		return true
	}
	select {
	case <-h.proc.Done():
		return false
	default:
		return true
	}
}

type entry struct {
	state   State
	handle  *ServerHandle
	refs    int
	cfg     StartupConfig
	settled chan struct{}
}

// Status is a read-only snapshot of one identifier.
type Status struct {
	ID       string
	State    State
	Refs     int
	Endpoint string
	Pid      int
}

// Supervisor owns the lifecycle of annotation server processes, one per
// logical identifier. All state transitions for an identifier happen under mu.
type Supervisor struct {
	mu       sync.Mutex
	servers  map[string]*entry
	flight   singleflight.Group
	launcher Launcher
	probe    *http.Client
}

type Option func(*Supervisor)

func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.launcher = l
		}
	}
}

func WithProbeClient(c *http.Client) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.probe = c
		}
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		servers:  make(map[string]*entry),
		launcher: ExecLauncher{},
		probe:    &http.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var defaultSupervisor = sync.OnceValue(func() *Supervisor { return New() })

// Default returns the process-wide supervisor shared by clients that do not
// bring their own.
func Default() *Supervisor {
	return defaultSupervisor()
}

// EnsureRunning returns a ready handle for id, spawning the server when needed.
// Every successful call holds one reference that must be given back with
// Release. Concurrent callers for the same id share one startup.
func (s *Supervisor) EnsureRunning(ctx context.Context, id string, cfg StartupConfig) (*ServerHandle, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrServerIDRequired
	}
	cfg = cfg.WithDefaults()
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStartMode, cfg.Mode)
	}

	ctx, span := tracer.Start(ctx, "supervisor.EnsureRunning", trace.WithAttributes(
		attribute.String("server.id", id),
		attribute.String("server.start_mode", string(cfg.Mode)),
	))
	defer span.End()

	h, err := s.ensureRunning(ctx, id, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("server.endpoint", h.endpoint))
	return h, nil
}

func (s *Supervisor) ensureRunning(ctx context.Context, id string, cfg StartupConfig) (*ServerHandle, error) {
	for {
		s.mu.Lock()
		e := s.servers[id]
		if e != nil {
			switch e.state {
			case StateReady:
				if e.handle.alive() {
					e.refs++
					h, refs := e.handle, e.refs
					s.mu.Unlock()
					observability.SetServerRefs(id, refs)
					return h, nil
				}
				log.Warn().Str("server_id", id).Int("pid", e.handle.Pid()).Msg("supervisor.EnsureRunning process exited, restarting")
				e.state = StateFailed
			case StateStopping:
				settled := e.settled
				s.mu.Unlock()
				if err := waitSettled(ctx, settled); err != nil {
					return nil, err
				}
				continue
			}
		}
		s.mu.Unlock()
		break
	}

	ch := s.flight.DoChan(id, func() (any, error) {
		return s.start(id, cfg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*ServerHandle)
		if !s.acquire(h) {
			return nil, fmt.Errorf("%w: %s stopped during startup", ErrServerUnavailable, id)
		}
		return h, nil
	}
}

func (s *Supervisor) acquire(h *ServerHandle) bool {
	s.mu.Lock()
	e := s.servers[h.id]
	if e == nil || e.handle != h || e.state != StateReady {
		s.mu.Unlock()
		return false
	}
	e.refs++
	refs := e.refs
	s.mu.Unlock()
	observability.SetServerRefs(h.id, refs)
	return true
}

func waitSettled(ctx context.Context, settled <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settled:
		return nil
	}
}

// start runs one Absent/Failed -> Starting -> Ready|Failed transition. It runs
// detached from any caller context and is bounded by StartupTimeout.
func (s *Supervisor) start(id string, cfg StartupConfig) (*ServerHandle, error) {
	s.mu.Lock()
	if cur := s.servers[id]; cur != nil && cur.state == StateReady && cur.handle.alive() {
		h := cur.handle
		s.mu.Unlock()
		return h, nil
	}
	old := s.servers[id]
	e := &entry{state: StateStarting, cfg: cfg, settled: make(chan struct{})}
	s.servers[id] = e
	s.mu.Unlock()

	if old != nil && old.handle != nil && old.handle.proc != nil {
		log.Warn().Str("server_id", id).Int("pid", old.handle.Pid()).Msg("supervisor.start killing stale process")
		_ = old.handle.proc.Kill()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout)
	defer cancel()

	h, outcome, err := s.bringUp(ctx, id, cfg)

	s.mu.Lock()
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateReady
		e.handle = h
	}
	close(e.settled)
	s.mu.Unlock()

	if err != nil {
		observability.RecordServerStart(id, "failed")
		log.Error().Err(err).Str("server_id", id).Msg("supervisor.start failed")
		return nil, err
	}
	observability.RecordServerStart(id, outcome)
	log.Info().
		Str("server_id", id).
		Str("endpoint", h.endpoint).
		Int("pid", h.Pid()).
		Str("outcome", outcome).
		Msg("supervisor.start ready")
	return h, nil
}

func (s *Supervisor) bringUp(ctx context.Context, id string, cfg StartupConfig) (*ServerHandle, string, error) {
	switch cfg.Mode {
	case StartNever:
		h := &ServerHandle{id: id, endpoint: cfg.endpoint(cfg.Port), port: cfg.Port, sup: s}
		if err := s.waitReady(ctx, h, cfg); err != nil {
			return nil, "", fmt.Errorf("%w: %s: %v", ErrServerUnavailable, h.endpoint, err)
		}
		return h, "external", nil

	case StartTry:
		if cfg.Port != 0 || cfg.Endpoint != "" {
			h := &ServerHandle{id: id, endpoint: cfg.endpoint(cfg.Port), port: cfg.Port, sup: s}
			if err := s.probeOnce(ctx, h.endpoint, cfg); err == nil {
				log.Info().Str("server_id", id).Str("endpoint", h.endpoint).Msg("supervisor.start adopting running server")
				return h, "adopted", nil
			}
		}

	case StartForce:
		if cfg.Port != 0 && portInUse(cfg.Host, cfg.Port) {
			return nil, "", fmt.Errorf("%w: %s:%d", ErrPortInUse, cfg.Host, cfg.Port)
		}
	}

	h, err := s.spawn(ctx, id, cfg)
	if err != nil {
		return nil, "", err
	}
	return h, "spawned", nil
}

func (s *Supervisor) spawn(ctx context.Context, id string, cfg StartupConfig) (*ServerHandle, error) {
	port := cfg.Port
	if port == 0 {
		p, err := freePort(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("supervisor: allocate port: %w", err)
		}
		port = p
	}
	key := uuid.NewString()
	spec := cfg.Launch.expand(map[string]string{
		"host":         cfg.Host,
		"port":         strconv.Itoa(port),
		"server_id":    id,
		"shutdown_key": key,
	})

	log.Debug().Str("server_id", id).Str("command", spec.Command).Strs("args", spec.Args).Msg("supervisor.spawn")
	proc, err := s.launcher.Launch(spec)
	if err != nil {
		return nil, fmt.Errorf("supervisor: launch %s: %w", id, err)
	}

	h := &ServerHandle{
		id:          id,
		endpoint:    "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		port:        port,
		shutdownKey: key,
		proc:        proc,
		sup:         s,
	}
	if err := s.waitReady(ctx, h, cfg); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("%w: %s: %v", ErrServerStartupTimeout, id, err)
	}
	if spec.ShutdownKeyFile != "" {
		if data, err := os.ReadFile(spec.ShutdownKeyFile); err == nil {
			h.shutdownKey = strings.TrimSpace(string(data))
		}
	}
	return h, nil
}

// waitReady polls the health path with backoff until it answers, the process
// exits or ctx expires.
func (s *Supervisor) waitReady(ctx context.Context, h *ServerHandle, cfg StartupConfig) error {
	sleeper := retry.NewSleeper(cfg.Backoff)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if !h.alive() {
			return fmt.Errorf("process exited: %v", h.proc.Err())
		}
		err := s.probeOnce(ctx, h.endpoint, cfg)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debug().Str("server_id", h.id).Int("attempt", attempt).Err(err).Msg("supervisor.waitReady not ready")

		if h.proc != nil {
			select {
			case <-h.proc.Done():
				return fmt.Errorf("process exited: %v", h.proc.Err())
			case <-time.After(sleeper.Delay(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%v (last probe: %v)", ctx.Err(), lastErr)
			}
			continue
		}
		if err := sleeper.Sleep(ctx, attempt); err != nil {
			return fmt.Errorf("%v (last probe: %v)", err, lastErr)
		}
	}
}

// probeOnce treats any non-5xx answer on the health path as ready.
func (s *Supervisor) probeOnce(ctx context.Context, endpoint string, cfg StartupConfig) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// Release gives back one reference. It never stops the server.
func (s *Supervisor) Release(h *ServerHandle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	e := s.servers[h.id]
	if e == nil || e.handle != h || e.refs == 0 {
		s.mu.Unlock()
		return
	}
	e.refs--
	refs := e.refs
	s.mu.Unlock()
	observability.SetServerRefs(h.id, refs)
}

// MarkFailed records that a caller could not reach h. The next EnsureRunning
// for the identifier starts a fresh server.
func (s *Supervisor) MarkFailed(h *ServerHandle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.servers[h.id]
	if e == nil || e.handle != h || e.state != StateReady {
		return
	}
	e.state = StateFailed
	log.Warn().Str("server_id", h.id).Str("endpoint", h.endpoint).Msg("supervisor.MarkFailed")
}

// Stop terminates the server behind h if h is still the identifier's live
// handle. Stopping an absent or replaced handle is a no-op.
func (s *Supervisor) Stop(ctx context.Context, h *ServerHandle) error {
	if h == nil {
		return nil
	}
	return s.stop(ctx, h.id, h)
}

// StopID terminates whatever server currently backs id.
func (s *Supervisor) StopID(ctx context.Context, id string) error {
	return s.stop(ctx, id, nil)
}

// StopAll stops every known server.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.StopID(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stop(ctx context.Context, id string, want *ServerHandle) error {
	for {
		s.mu.Lock()
		e := s.servers[id]
		if e == nil {
			s.mu.Unlock()
			return nil
		}
		switch e.state {
		case StateStarting, StateStopping:
			settled := e.settled
			s.mu.Unlock()
			if err := waitSettled(ctx, settled); err != nil {
				return err
			}
			continue
		case StateFailed:
			if want != nil && e.handle != want {
				s.mu.Unlock()
				return nil
			}
			delete(s.servers, id)
			stale := e.handle
			s.mu.Unlock()
			if stale != nil && stale.proc != nil {
				_ = stale.proc.Kill()
			}
			observability.SetServerRefs(id, 0)
			return nil
		}

		if want != nil && e.handle != want {
			s.mu.Unlock()
			return nil
		}
		e.state = StateStopping
		e.settled = make(chan struct{})
		h, cfg := e.handle, e.cfg
		s.mu.Unlock()

		err := s.terminate(ctx, h, cfg)

		s.mu.Lock()
		if s.servers[id] == e {
			delete(s.servers, id)
		}
		close(e.settled)
		s.mu.Unlock()
		observability.SetServerRefs(id, 0)
		log.Info().Str("server_id", id).Int("pid", h.Pid()).Msg("supervisor.Stop stopped")
		return err
	}
}

// terminate asks the server to shut down, escalating to SIGTERM and then a
// kill after StopGrace. Servers the supervisor did not spawn are only
// forgotten.
func (s *Supervisor) terminate(ctx context.Context, h *ServerHandle, cfg StartupConfig) error {
	if h.proc == nil {
		return nil
	}
	if h.shutdownKey != "" {
		if err := s.requestShutdown(ctx, h, cfg); err != nil {
			log.Debug().Err(err).Str("server_id", h.id).Msg("supervisor.terminate shutdown request failed")
		}
	}
	if waitExit(ctx, h.proc, cfg.StopGrace/2) {
		return nil
	}
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Str("server_id", h.id).Msg("supervisor.terminate sigterm failed")
	}
	if waitExit(ctx, h.proc, cfg.StopGrace/2) {
		return nil
	}

	log.Warn().Str("server_id", h.id).Int("pid", h.Pid()).Msg("supervisor.terminate grace expired, killing")
	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("supervisor: kill %s: %w", h.id, err)
	}
	select {
	case <-h.proc.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (s *Supervisor) requestShutdown(ctx context.Context, h *ServerHandle, cfg StartupConfig) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	u := h.endpoint + "/shutdown?key=" + url.QueryEscape(h.shutdownKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown status %d", resp.StatusCode)
	}
	return nil
}

// waitExit reports whether proc exited within d. A done ctx ends the wait early.
func waitExit(ctx context.Context, proc Process, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Lookup returns a snapshot of id's state.
func (s *Supervisor) Lookup(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.servers[id]
	if e == nil {
		return Status{ID: id, State: StateAbsent}, false
	}
	st := Status{ID: id, State: e.state, Refs: e.refs}
	if e.handle != nil {
		st.Endpoint = e.handle.endpoint
		st.Pid = e.handle.Pid()
	}
	return st, true
}

func (s *Supervisor) stateOf(h *ServerHandle) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.servers[h.id]
	if e == nil || e.handle != h {
		return StateAbsent
	}
	return e.state
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func portInUse(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
