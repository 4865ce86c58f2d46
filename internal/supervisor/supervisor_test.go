package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/nlpctl/internal/retry"
	"github.com/danmuck/nlpctl/internal/stubserver"
	"github.com/danmuck/nlpctl/internal/testutil/testlog"
)

type launchMode int

const (
	launchServe launchMode = iota
	launchHang
	launchExit
)

// fakeLauncher runs a stub server in-process on the address passed as the
// first argument, with the shutdown key as the second.
type fakeLauncher struct {
	mu       sync.Mutex
	mode     launchMode
	launches int
	procs    []*fakeProcess
}

func (l *fakeLauncher) setMode(m launchMode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	l.launches++
	p := &fakeProcess{pid: 1000 + l.launches, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	mode := l.mode
	l.mu.Unlock()

	switch mode {
	case launchExit:
		p.exit(errors.New("exit status 1"))
		return p, nil
	case launchHang:
		return p, nil
	}

	ln, err := net.Listen("tcp", spec.Args[0])
	if err != nil {
		return nil, err
	}
	p.srv = stubserver.New(stubserver.Config{ID: "fake-" + strconv.Itoa(p.pid), ShutdownKey: spec.Args[1]})
	go func() {
		_ = p.srv.ServeListener(ln)
		p.exit(nil)
	}()
	return p, nil
}

type fakeProcess struct {
	pid  int
	srv  *stubserver.Server
	done chan struct{}
	once sync.Once
	err  error
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *fakeProcess) Signal(os.Signal) error {
	if p.srv == nil {
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.srv.Shutdown(ctx)
	}()
	return nil
}

func (p *fakeProcess) Kill() error {
	if p.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.srv.Shutdown(ctx)
	}
	p.exit(errors.New("signal: killed"))
	return nil
}

func testStartup() StartupConfig {
	return StartupConfig{
		Launch: LaunchSpec{
			Command: "stub",
			Args:    []string{"{host}:{port}", "{shutdown_key}"},
		},
		StartupTimeout: 5 * time.Second,
		StopGrace:      2 * time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     100 * time.Millisecond,
		},
	}
}

func TestEnsureRunningConcurrentCallersShareOneSpawn(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	const callers = 8
	handles := make([]*ServerHandle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = s.EnsureRunning(context.Background(), "srv1", testStartup())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], handles[i])
	}
	require.Equal(t, 1, l.count())

	st, ok := s.Lookup("srv1")
	require.True(t, ok)
	require.Equal(t, StateReady, st.State)
	require.Equal(t, callers, st.Refs)
	log.Debug().Str("endpoint", st.Endpoint).Int("refs", st.Refs).Msg("supervisor/concurrent ready")
}

func TestReleaseNeverStopsAndNeverGoesNegative(t *testing.T) {
	testlog.Start(t)
	s := New(WithLauncher(&fakeLauncher{}))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	h, err := s.EnsureRunning(context.Background(), "srv-release", testStartup())
	require.NoError(t, err)
	s.Release(h)
	s.Release(h)

	st, _ := s.Lookup("srv-release")
	require.Equal(t, StateReady, st.State)
	require.Equal(t, 0, st.Refs)
	require.Equal(t, StateReady, h.State())
}

func TestStopThenEnsureSpawnsFreshProcess(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	first, err := s.EnsureRunning(context.Background(), "srv1", testStartup())
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background(), first))

	select {
	case <-l.procs[0].Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("stopped process still running")
	}
	_, ok := s.Lookup("srv1")
	require.False(t, ok)
	require.Equal(t, StateAbsent, first.State())

	second, err := s.EnsureRunning(context.Background(), "srv1", testStartup())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.NotEqual(t, first.Pid(), second.Pid())
	require.Equal(t, 2, l.count())

	// A stale handle no longer controls the identifier.
	require.NoError(t, s.Stop(context.Background(), first))
	st, _ := s.Lookup("srv1")
	require.Equal(t, StateReady, st.State)
}

func TestStopUnknownIdentifierIsNoop(t *testing.T) {
	testlog.Start(t)
	s := New(WithLauncher(&fakeLauncher{}))
	require.NoError(t, s.StopID(context.Background(), "never-started"))
	require.NoError(t, s.Stop(context.Background(), nil))
}

func TestStartupTimeoutFailsThenNextCallRespawns(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{mode: launchHang}
	s := New(WithLauncher(l))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	cfg := testStartup()
	cfg.StartupTimeout = 300 * time.Millisecond
	_, err := s.EnsureRunning(context.Background(), "srv-slow", cfg)
	require.ErrorIs(t, err, ErrServerStartupTimeout)

	st, ok := s.Lookup("srv-slow")
	require.True(t, ok)
	require.Equal(t, StateFailed, st.State)
	select {
	case <-l.procs[0].Done():
	default:
		t.Fatalf("timed out child was not killed")
	}

	l.setMode(launchServe)
	h, err := s.EnsureRunning(context.Background(), "srv-slow", testStartup())
	require.NoError(t, err)
	require.Equal(t, StateReady, h.State())
	require.Equal(t, 2, l.count())
}

func TestEarlyExitFailsStartup(t *testing.T) {
	testlog.Start(t)
	s := New(WithLauncher(&fakeLauncher{mode: launchExit}))

	start := time.Now()
	_, err := s.EnsureRunning(context.Background(), "srv-exit", testStartup())
	require.ErrorIs(t, err, ErrServerStartupTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestCrashedProcessIsRespawnedOnNextEnsure(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	first, err := s.EnsureRunning(context.Background(), "srv-crash", testStartup())
	require.NoError(t, err)
	require.NoError(t, l.procs[0].Kill())

	second, err := s.EnsureRunning(context.Background(), "srv-crash", testStartup())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 2, l.count())
}

func TestMarkFailedForcesRespawn(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	first, err := s.EnsureRunning(context.Background(), "srv-mark", testStartup())
	require.NoError(t, err)
	s.MarkFailed(first)
	require.Equal(t, StateFailed, first.State())

	second, err := s.EnsureRunning(context.Background(), "srv-mark", testStartup())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	select {
	case <-l.procs[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("failed process was not reaped")
	}
}

func TestStopWithReplacedHandleLeavesFailedServerAlone(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })
	ctx := context.Background()

	first, err := s.EnsureRunning(ctx, "srv-stale", testStartup())
	require.NoError(t, err)
	s.MarkFailed(first)
	second, err := s.EnsureRunning(ctx, "srv-stale", testStartup())
	require.NoError(t, err)
	s.MarkFailed(second)

	require.NoError(t, s.Stop(ctx, first))
	st, ok := s.Lookup("srv-stale")
	require.True(t, ok, "stale handle must not drop the current entry")
	require.Equal(t, StateFailed, st.State)
	require.True(t, second.alive(), "stale handle must not orphan the current process")

	require.NoError(t, s.Stop(ctx, second))
	_, ok = s.Lookup("srv-stale")
	require.False(t, ok)
	select {
	case <-second.proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("failed process was not killed on stop")
	}

	third, err := s.EnsureRunning(ctx, "srv-stale", testStartup())
	require.NoError(t, err)
	require.NotSame(t, second, third)
	require.Equal(t, 3, l.count())
}

func TestTryModeAdoptsHealthyServer(t *testing.T) {
	testlog.Start(t)
	running := httptest.NewServer(stubserver.New(stubserver.Config{ID: "external"}).Handler())
	defer running.Close()
	u, _ := url.Parse(running.URL)
	port, _ := strconv.Atoi(u.Port())

	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	cfg := testStartup()
	cfg.Port = port

	h, err := s.EnsureRunning(context.Background(), "srv-adopt", cfg)
	require.NoError(t, err)
	require.False(t, h.Managed())
	require.Equal(t, 0, l.count())
	require.Equal(t, running.URL, h.Endpoint())

	require.NoError(t, s.Stop(context.Background(), h))
	_, ok := s.Lookup("srv-adopt")
	require.False(t, ok)
	resp, err := running.Client().Get(running.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
}

func TestForceModeRejectsBusyPort(t *testing.T) {
	testlog.Start(t)
	running := httptest.NewServer(stubserver.New(stubserver.Config{ID: "busy"}).Handler())
	defer running.Close()
	u, _ := url.Parse(running.URL)
	port, _ := strconv.Atoi(u.Port())

	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	cfg := testStartup()
	cfg.Mode = StartForce
	cfg.Port = port

	_, err := s.EnsureRunning(context.Background(), "srv-force", cfg)
	require.ErrorIs(t, err, ErrPortInUse)
	require.Equal(t, 0, l.count())
}

func TestNeverModeOnlyConnects(t *testing.T) {
	testlog.Start(t)
	running := httptest.NewServer(stubserver.New(stubserver.Config{ID: "remote"}).Handler())
	defer running.Close()

	l := &fakeLauncher{}
	s := New(WithLauncher(l))
	cfg := testStartup()
	cfg.Mode = StartNever
	cfg.Endpoint = running.URL

	h, err := s.EnsureRunning(context.Background(), "srv-never", cfg)
	require.NoError(t, err)
	require.Equal(t, running.URL, h.Endpoint())
	require.Equal(t, 0, l.count())

	cfg.Endpoint = "http://127.0.0.1:1"
	cfg.StartupTimeout = 200 * time.Millisecond
	_, err = s.EnsureRunning(context.Background(), "srv-never-down", cfg)
	require.ErrorIs(t, err, ErrServerUnavailable)
}

func TestEnsureRunningRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	s := New(WithLauncher(&fakeLauncher{}))
	_, err := s.EnsureRunning(context.Background(), " ", testStartup())
	require.ErrorIs(t, err, ErrServerIDRequired)

	cfg := testStartup()
	cfg.Mode = "sometimes"
	_, err = s.EnsureRunning(context.Background(), "srv", cfg)
	require.ErrorIs(t, err, ErrInvalidStartMode)
}

func TestCallerContextDoesNotCancelSharedStartup(t *testing.T) {
	testlog.Start(t)
	l := &fakeLauncher{mode: launchHang}
	s := New(WithLauncher(l))

	cfg := testStartup()
	cfg.StartupTimeout = 400 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.EnsureRunning(ctx, "srv-ctx", cfg)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	st, ok := s.Lookup("srv-ctx")
	require.True(t, ok)
	require.Equal(t, StateStarting, st.State)
	require.Equal(t, 0, st.Refs)

	require.Eventually(t, func() bool {
		st, _ := s.Lookup("srv-ctx")
		return st.State == StateFailed
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLaunchSpecExpandsPlaceholders(t *testing.T) {
	testlog.Start(t)
	spec := LaunchSpec{
		Command:         "java",
		Args:            []string{"-port", "{port}", "-server_id", "{server_id}"},
		Env:             []string{"KEY={shutdown_key}"},
		ShutdownKeyFile: "/tmp/corenlp.shutdown.{server_id}",
	}
	out := spec.expand(map[string]string{"port": "9000", "server_id": "fr", "shutdown_key": "k", "host": "h"})
	require.Equal(t, []string{"-port", "9000", "-server_id", "fr"}, out.Args)
	require.Equal(t, []string{"KEY=k"}, out.Env)
	require.Equal(t, "/tmp/corenlp.shutdown.fr", out.ShutdownKeyFile)
	require.Equal(t, "{port}", spec.Args[1])
}

func TestCoreNLPLaunchArguments(t *testing.T) {
	testlog.Start(t)
	opts := DefaultJavaOptions()
	opts.Home = "/opt/corenlp"
	opts.Preload = []string{"tokenize", "ssplit"}
	spec := CoreNLPLaunch(opts)

	require.Equal(t, "java", spec.Command)
	require.Contains(t, spec.Args, "edu.stanford.nlp.pipeline.StanfordCoreNLPServer")
	require.Contains(t, spec.Args, "-Xmx5G")
	require.Contains(t, spec.Args, "/opt/corenlp/*")
	require.Contains(t, spec.Args, "tokenize,ssplit")
	require.Contains(t, spec.Args, "60000")
}

func TestExecLauncherRunsAndStopsHelperProcess(t *testing.T) {
	testlog.Start(t)
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	s := New()
	cfg := testStartup()
	cfg.Launch = LaunchSpec{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperStubServer$"},
		Env: []string{
			"NLPCTL_HELPER_STUB=1",
			"STUB_ADDR={host}:{port}",
			"STUB_SHUTDOWN_KEY={shutdown_key}",
		},
	}
	cfg.StartupTimeout = 20 * time.Second

	h, err := s.EnsureRunning(context.Background(), "srv-exec", cfg)
	require.NoError(t, err)
	require.True(t, h.Managed())
	require.NotZero(t, h.Pid())

	require.NoError(t, s.Stop(context.Background(), h))
	select {
	case <-h.proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("helper process did not exit")
	}
}

// TestHelperStubServer is the child side of the exec launcher test.
func TestHelperStubServer(t *testing.T) {
	if os.Getenv("NLPCTL_HELPER_STUB") != "1" {
		return
	}
	srv := stubserver.New(stubserver.Config{
		ID:          "helper",
		Addr:        os.Getenv("STUB_ADDR"),
		ShutdownKey: os.Getenv("STUB_SHUTDOWN_KEY"),
	})
	if err := srv.Serve(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
