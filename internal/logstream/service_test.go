package logstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/runtime"
	"github.com/compose-paas/backend/internal/runtime/mocks"
)

func setupTestService(t *testing.T, rt runtime.Runtime, cfg Config) *Service {
	t.Helper()
	s := NewService(rt, cfg)
	t.Cleanup(s.Close)
	return s
}

func runtimeWithSource(src *mocks.LogSource, running bool) *mocks.MockRuntime {
	return &mocks.MockRuntime{
		LogsFunc: func(ctx context.Context, containerID string, opts model.LogStreamOptions) (*runtime.LogStream, error) {
			return src.Stream, nil
		},
		ContainerRunningFunc: func(ctx context.Context, containerID string) (bool, error) {
			return running, nil
		},
	}
}

func waitDone(t *testing.T, st *Stream) {
	t.Helper()
	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestStreamCompletesWithoutFollow(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, true), Config{})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{Tail: 10})
	require.NoError(t, err)

	go func() {
		fmt.Fprint(src.StdoutW, "first\r\nsecond\n")
		src.End()
	}()

	waitDone(t, st)
	assert.Equal(t, model.EndCompleted, st.EndReason())

	page := st.Buffer().ReadFrom(0, 0)
	require.Len(t, page.Lines, 2)
	assert.Equal(t, "first", page.Lines[0].Content)
	assert.Equal(t, model.StreamStdout, page.Lines[0].StreamType)
	assert.Equal(t, uint64(2), page.Lines[1].Sequence)
	assert.True(t, page.Closed)
}

func TestStreamSeparatesStderr(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, true), Config{})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{})
	require.NoError(t, err)

	go func() {
		fmt.Fprintln(src.StderrW, "boom")
		src.End()
	}()

	waitDone(t, st)
	page := st.Buffer().ReadFrom(0, 0)
	require.Len(t, page.Lines, 1)
	assert.Equal(t, model.StreamStderr, page.Lines[0].StreamType)
}

func TestFollowEndsWhenContainerStops(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, false), Config{})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{Follow: true})
	require.NoError(t, err)

	fmt.Fprintln(src.StdoutW, "shutting down")
	src.End()

	waitDone(t, st)
	assert.Equal(t, model.EndContainerStopped, st.EndReason())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestFollowEndsWhenDaemonDisappears(t *testing.T) {
	src := mocks.NewLogSource()
	rt := runtimeWithSource(src, true)
	rt.ContainerRunningFunc = func(ctx context.Context, containerID string) (bool, error) {
		return false, model.DaemonUnavailable(errors.New("connection refused"))
	}
	s := setupTestService(t, rt, Config{})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{Follow: true})
	require.NoError(t, err)
	src.End()

	waitDone(t, st)
	assert.Equal(t, model.EndDaemonUnavailable, st.EndReason())
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		resolve  func(ctx context.Context, app, service string) (runtime.Container, error)
		opts     model.LogStreamOptions
		wantCode model.ErrorCode
	}{
		{
			name: "service not found",
			resolve: func(ctx context.Context, app, service string) (runtime.Container, error) {
				return runtime.Container{}, model.ServiceNotFound(app, service)
			},
			wantCode: model.CodeServiceNotFound,
		},
		{
			name: "container not running",
			resolve: func(ctx context.Context, app, service string) (runtime.Container, error) {
				return runtime.Container{ID: "c1", Running: false}, nil
			},
			opts:     model.LogStreamOptions{Follow: true},
			wantCode: model.CodeContainerNotRunning,
		},
		{
			name: "daemon unavailable",
			resolve: func(ctx context.Context, app, service string) (runtime.Container, error) {
				return runtime.Container{}, model.DaemonUnavailable(errors.New("dial unix: no such file"))
			},
			wantCode: model.CodeDaemonUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestService(t, &mocks.MockRuntime{ResolveContainerFunc: tt.resolve}, Config{})

			st, err := s.Start(context.Background(), "client-1", "myapp", "web", tt.opts)
			require.Error(t, err)
			assert.Nil(t, st)
			assert.Equal(t, tt.wantCode, model.CodeOf(err))

			e, ok := model.AsError(err)
			require.True(t, ok)
			assert.NotEmpty(t, e.Detail("stream_id"))
			assert.NotEqual(t, model.EndStreamClosed, model.EndReasonFor(err))
		})
	}
}

func TestStoppedContainerLogsWithoutFollow(t *testing.T) {
	rt := &mocks.MockRuntime{
		ResolveContainerFunc: func(ctx context.Context, app, service string) (runtime.Container, error) {
			return runtime.Container{ID: "c1", Running: false}, nil
		},
	}
	s := setupTestService(t, rt, Config{})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{})
	require.NoError(t, err)
	waitDone(t, st)
	assert.Equal(t, model.EndCompleted, st.EndReason())
}

func TestTailIsCapped(t *testing.T) {
	var got model.LogStreamOptions
	rt := &mocks.MockRuntime{}
	rt.LogsFunc = func(ctx context.Context, containerID string, opts model.LogStreamOptions) (*runtime.LogStream, error) {
		got = opts
		src := mocks.NewLogSource()
		src.End()
		return src.Stream, nil
	}
	s := setupTestService(t, rt, Config{MaxTail: 100})

	tests := []struct {
		tail int
		want int
	}{
		{0, 100},
		{50, 50},
		{1000, 100},
	}
	for _, tt := range tests {
		st, err := s.Start(context.Background(), "c", "myapp", "web", model.LogStreamOptions{Tail: tt.tail})
		require.NoError(t, err)
		waitDone(t, st)
		assert.Equal(t, tt.want, got.Tail)
	}
}

func TestStartValidation(t *testing.T) {
	s := setupTestService(t, &mocks.MockRuntime{}, Config{})

	_, err := s.Start(context.Background(), "c", "", "web", model.LogStreamOptions{})
	assert.True(t, model.IsCode(err, model.CodeValidation))

	since := time.Now()
	until := since.Add(-time.Hour)
	_, err = s.Start(context.Background(), "c", "myapp", "web", model.LogStreamOptions{Since: &since, Until: &until})
	assert.True(t, model.IsCode(err, model.CodeValidation))
}

func TestStopClosesSource(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, true), Config{})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{Follow: true})
	require.NoError(t, err)

	require.NoError(t, s.Stop(st.ID()))
	waitDone(t, st)

	assert.Equal(t, model.EndStopped, st.EndReason())
	assert.True(t, src.Closed())
	_, ok := s.Get(st.ID())
	assert.False(t, ok)

	assert.True(t, model.IsCode(s.Stop(st.ID()), model.CodeNotFound))
}

func TestStopByOwner(t *testing.T) {
	sources := []*mocks.LogSource{mocks.NewLogSource(), mocks.NewLogSource(), mocks.NewLogSource()}
	var next int
	rt := &mocks.MockRuntime{
		LogsFunc: func(ctx context.Context, containerID string, opts model.LogStreamOptions) (*runtime.LogStream, error) {
			src := sources[next]
			next++
			return src.Stream, nil
		},
	}
	s := setupTestService(t, rt, Config{})

	a, err := s.Start(context.Background(), "alice", "myapp", "web", model.LogStreamOptions{Follow: true})
	require.NoError(t, err)
	b, err := s.Start(context.Background(), "alice", "myapp", "db", model.LogStreamOptions{Follow: true})
	require.NoError(t, err)
	c, err := s.Start(context.Background(), "bob", "myapp", "web", model.LogStreamOptions{Follow: true})
	require.NoError(t, err)

	assert.Equal(t, 2, s.StopByOwner("alice"))
	waitDone(t, a)
	waitDone(t, b)

	select {
	case <-c.Done():
		t.Fatal("stream of another owner was stopped")
	default:
	}
	assert.Equal(t, 1, s.ActiveCount())
}

func TestSweepRemovesEndedStreams(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, true), Config{EndedRetention: time.Minute})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{})
	require.NoError(t, err)
	src.End()
	waitDone(t, st)

	assert.Equal(t, 0, s.Sweep(time.Now()))
	_, ok := s.Get(st.ID())
	assert.True(t, ok)

	assert.Equal(t, 1, s.Sweep(time.Now().Add(2*time.Minute)))
	_, ok = s.Get(st.ID())
	assert.False(t, ok)
}

func TestBufferEvictionCountsDrops(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, true), Config{BufferSize: 5})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{})
	require.NoError(t, err)

	go func() {
		for i := 0; i < 20; i++ {
			fmt.Fprintf(src.StdoutW, "line %d\n", i)
		}
		src.End()
	}()
	waitDone(t, st)

	page := st.Buffer().ReadFrom(0, 0)
	assert.Len(t, page.Lines, 5)
	assert.Equal(t, uint64(15), page.Missed)
	assert.Equal(t, "line 19", page.Lines[4].Content)
}

func TestLongLinesAreSplit(t *testing.T) {
	src := mocks.NewLogSource()
	s := setupTestService(t, runtimeWithSource(src, true), Config{MaxLineLength: 10})

	st, err := s.Start(context.Background(), "client-1", "myapp", "web", model.LogStreamOptions{})
	require.NoError(t, err)

	go func() {
		fmt.Fprintln(src.StdoutW, strings.Repeat("x", maxScanToken+5))
		src.End()
	}()
	waitDone(t, st)

	page := st.Buffer().ReadFrom(0, 0)
	require.Len(t, page.Lines, 2)
	assert.True(t, strings.HasSuffix(page.Lines[0].Content, "[truncated]"))
	assert.Equal(t, "xxxxx", page.Lines[1].Content)
}
