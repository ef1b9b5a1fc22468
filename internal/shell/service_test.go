package shell

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/runtime"
	"github.com/compose-paas/backend/internal/runtime/mocks"
)

type execRecorder struct {
	mu    sync.Mutex
	execs []*mocks.Exec
	opts  []runtime.ExecOptions
}

func (r *execRecorder) runtime() *mocks.MockRuntime {
	return &mocks.MockRuntime{
		ExecFunc: func(ctx context.Context, containerID string, opts runtime.ExecOptions) (runtime.Exec, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			e := mocks.NewExec()
			r.execs = append(r.execs, e)
			r.opts = append(r.opts, opts)
			return e, nil
		},
	}
}

func (r *execRecorder) last() *mocks.Exec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execs[len(r.execs)-1]
}

func testConfig() Config {
	return Config{
		DefaultTTL:       time.Hour,
		IdleTimeout:      15 * time.Minute,
		MaxPerService:    2,
		AllowedShells:    []string{"/bin/sh", "/bin/bash"},
		MaxInputSize:     1 << 20,
		OutputBufferSize: 100,
	}
}

func setupTestService(t *testing.T, cfg Config) (*Service, *execRecorder) {
	t.Helper()
	rec := &execRecorder{}
	s := NewService(rec.runtime(), cfg)
	t.Cleanup(s.Close)
	return s, rec
}

func createOpts() CreateOptions {
	return CreateOptions{
		AppName:     "myapp",
		ServiceName: "web",
		ShellPath:   "/bin/sh",
		UserID:      "alice",
		OwnerID:     "conn-1",
		Cols:        80,
		Rows:        24,
	}
}

func TestCreateSession(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	info := sess.Info()
	assert.NotEqual(t, uuid.Nil, info.ID)
	assert.Equal(t, "myapp", info.AppName)
	assert.Equal(t, "web", info.ServiceName)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, time.Hour, info.TTL)
	assert.Equal(t, "conn-1", sess.OwnerID())

	require.Len(t, rec.opts, 1)
	assert.True(t, rec.opts[0].TTY)
	assert.Equal(t, []string{"/bin/sh"}, rec.opts[0].Cmd)
	assert.Equal(t, uint(80), rec.opts[0].Cols)

	got, err := s.GetSessionInfo(info.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ShellSessionInfo{AppName: "myapp", ServiceName: "web", UserID: "alice"}, got)
}

func TestCreateSessionRejectsShellBeforeLookup(t *testing.T) {
	rt := &mocks.MockRuntime{
		ResolveContainerFunc: func(ctx context.Context, app, service string) (runtime.Container, error) {
			t.Fatal("container resolved for a disallowed shell")
			return runtime.Container{}, nil
		},
	}
	s := NewService(rt, testConfig())
	defer s.Close()

	opts := createOpts()
	opts.ShellPath = "/usr/bin/python"
	_, err := s.CreateSession(context.Background(), opts)
	assert.True(t, model.IsCode(err, model.CodeValidation))
}

func TestCreateSessionPerServiceCap(t *testing.T) {
	s, _ := setupTestService(t, testConfig())

	for i := 0; i < 2; i++ {
		_, err := s.CreateSession(context.Background(), createOpts())
		require.NoError(t, err)
	}

	_, err := s.CreateSession(context.Background(), createOpts())
	assert.True(t, model.IsCode(err, model.CodeResourceExhausted))

	other := createOpts()
	other.ServiceName = "db"
	_, err = s.CreateSession(context.Background(), other)
	assert.NoError(t, err)
}

func TestCreateSessionContainerNotRunning(t *testing.T) {
	rt := &mocks.MockRuntime{
		ResolveContainerFunc: func(ctx context.Context, app, service string) (runtime.Container, error) {
			return runtime.Container{ID: "c1", Running: false}, nil
		},
	}
	s := NewService(rt, testConfig())
	defer s.Close()

	_, err := s.CreateSession(context.Background(), createOpts())
	assert.True(t, model.IsCode(err, model.CodeContainerNotRunning))
	assert.Equal(t, 0, s.ActiveCount())

	// The failed attempt must not hold a slot.
	assert.Empty(t, s.pending)
}

func TestSendInput(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	s.now = func() time.Time { return start.Add(time.Minute) }
	require.NoError(t, s.SendInput(sess.ID(), []byte("echo hi\n")))

	assert.Equal(t, []byte("echo hi\n"), rec.last().Input())
	assert.Equal(t, start.Add(time.Minute), sess.Info().LastActivity)

	err = s.SendInput(uuid.New(), []byte("x"))
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

func TestSendInputOversizedKeepsSessionOpen(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	err = s.SendInput(sess.ID(), make([]byte, 2<<20))
	assert.True(t, model.IsCode(err, model.CodeResourceExhausted))
	assert.Empty(t, rec.last().Input())

	_, ok := s.Get(sess.ID())
	assert.True(t, ok)
	assert.NoError(t, s.SendInput(sess.ID(), []byte("still here")))
}

func TestOutputIsBufferedInOrder(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)
	exec := rec.last()

	euro := "€"
	require.NoError(t, exec.Output("$ "))
	require.NoError(t, exec.Output("price: "+euro[:1]))
	require.NoError(t, exec.Output(euro[1:]+"5\n"))

	require.Eventually(t, func() bool {
		return sess.Buffer().TotalLines() == 3
	}, time.Second, 5*time.Millisecond)

	page := sess.Buffer().ReadFrom(0, 0)
	var combined string
	for i, line := range page.Lines {
		assert.Equal(t, uint64(i+1), line.Sequence)
		combined += line.Content
	}
	assert.Equal(t, "$ price: €5\n", combined)
}

func TestShellExitRemovesSession(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)
	rec.last().Exit(130)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	code, ok := sess.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 130, code)
	assert.Equal(t, model.EndExited, sess.EndReason())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestResizeSession(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	require.NoError(t, s.ResizeSession(context.Background(), sess.ID(), 120, 40))
	assert.Equal(t, [][2]uint{{120, 40}}, rec.last().Sizes())

	err = s.ResizeSession(context.Background(), sess.ID(), 0, 40)
	assert.True(t, model.IsCode(err, model.CodeValidation))
}

func TestCloseSession(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	require.NoError(t, s.CloseSession(sess.ID()))
	assert.True(t, rec.last().Closed())
	assert.Equal(t, model.EndStopped, sess.EndReason())

	_, ok := sess.ExitCode()
	assert.False(t, ok)
	assert.True(t, model.IsCode(s.CloseSession(sess.ID()), model.CodeNotFound))
	_, err = s.GetSessionInfo(sess.ID())
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTTL = time.Minute
	cfg.IdleTimeout = 0
	s, rec := setupTestService(t, cfg)

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)
	exec := rec.last()

	assert.Equal(t, 0, s.Sweep(start.Add(30*time.Second)))
	assert.False(t, exec.Closed())

	assert.Equal(t, 1, s.Sweep(start.Add(2*time.Minute)))
	assert.True(t, exec.Closed())
	assert.Equal(t, model.EndExpired, sess.EndReason())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestSweepClosesIdleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 5 * time.Minute
	s, rec := setupTestService(t, cfg)

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	_, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Sweep(start.Add(6*time.Minute)))
	assert.True(t, rec.last().Closed())
}

func TestDetachWithGrace(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectGrace = 30 * time.Second
	s, rec := setupTestService(t, cfg)

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Detach("conn-1"))
	assert.Equal(t, "", sess.OwnerID())
	assert.Equal(t, 0, s.Sweep(start.Add(10*time.Second)))

	_, err = s.Attach(sess.ID(), "mallory", "conn-9")
	assert.True(t, model.IsCode(err, model.CodeForbidden))

	_, err = s.Attach(sess.ID(), "alice", "conn-2")
	require.NoError(t, err)
	assert.Equal(t, "conn-2", sess.OwnerID())
	assert.Equal(t, 0, s.Sweep(start.Add(time.Minute)))

	s.Detach("conn-2")
	assert.Equal(t, 1, s.Sweep(start.Add(time.Minute)))
	assert.True(t, rec.last().Closed())
}

func TestAttachWhileOwnedConflicts(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectGrace = 30 * time.Second
	s, _ := setupTestService(t, cfg)

	sess, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	_, err = s.Attach(sess.ID(), "alice", "conn-2")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConflict))
	assert.Equal(t, "conn-1", sess.OwnerID())

	// The original connection still owns it, so its departure detaches it.
	assert.Equal(t, 1, s.Detach("conn-1"))
	_, err = s.Attach(sess.ID(), "alice", "conn-2")
	require.NoError(t, err)
	assert.Equal(t, "conn-2", sess.OwnerID())
}

func TestDetachWithoutGraceClosesImmediately(t *testing.T) {
	s, rec := setupTestService(t, testConfig())

	_, err := s.CreateSession(context.Background(), createOpts())
	require.NoError(t, err)

	other := createOpts()
	other.OwnerID = "conn-2"
	_, err = s.CreateSession(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Detach("conn-1"))
	assert.True(t, rec.execs[0].Closed())
	assert.False(t, rec.execs[1].Closed())
	assert.Equal(t, 1, s.ActiveCount())
}
