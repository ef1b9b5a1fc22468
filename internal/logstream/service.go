// Package logstream tails container logs into bounded output buffers.
package logstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/output"
	"github.com/compose-paas/backend/internal/runtime"
)

const maxScanToken = 64 * 1024

// Config holds configuration for the log stream service.
type Config struct {
	// MaxTail caps the number of historical lines requested.
	MaxTail       int
	BufferSize    int
	MaxLineLength int
	// EndedRetention is how long an ended stream stays in the registry.
	EndedRetention time.Duration
	// CallTimeout bounds the liveness check made when a followed stream ends.
	CallTimeout time.Duration
	Logger      *logrus.Entry
}

// Stream is one running or ended log stream.
type Stream struct {
	buf    *output.Buffer
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	session model.LogStreamSession
	src     *runtime.LogStream
}

// ID returns the stream id.
func (s *Stream) ID() string {
	return s.session.ID
}

// OwnerID returns the id of the client that started the stream.
func (s *Stream) OwnerID() string {
	return s.session.OwnerID
}

// Session returns a snapshot of the stream's session.
func (s *Stream) Session() model.LogStreamSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Buffer returns the output buffer the stream writes into.
func (s *Stream) Buffer() *output.Buffer {
	return s.buf
}

// Done is closed when the stream has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// EndReason returns why the stream ended, or "" while it runs.
func (s *Stream) EndReason() model.EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.EndReason
}

// end records the reason once and releases the source.
func (s *Stream) end(reason model.EndReason, now time.Time) bool {
	s.mu.Lock()
	if s.session.EndedAt != nil {
		s.mu.Unlock()
		return false
	}
	s.session.EndedAt = &now
	s.session.EndReason = reason
	src := s.src
	s.mu.Unlock()

	s.cancel()
	if src != nil {
		src.Close()
	}
	s.buf.Close()
	close(s.done)
	return true
}

// Service manages log streams.
type Service struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	rt  runtime.Runtime
	cfg Config
	log *logrus.Entry
	now func() time.Time
}

// NewService creates a new log stream service.
func NewService(rt runtime.Runtime, cfg Config) *Service {
	if cfg.MaxTail <= 0 {
		cfg.MaxTail = 5000
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 2000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("logstream")
	}
	return &Service{
		streams: make(map[string]*Stream),
		rt:      rt,
		cfg:     cfg,
		log:     cfg.Logger,
		now:     time.Now,
	}
}

// Start resolves the service container and begins streaming its logs. On
// failure the returned error carries the allocated stream id.
func (s *Service) Start(ctx context.Context, ownerID, appName, serviceName string, opts model.LogStreamOptions) (*Stream, error) {
	id := uuid.New().String()
	fail := func(err error) error {
		e, ok := model.AsError(err)
		if !ok {
			e = model.WrapError(err, model.CodeInternal, "failed to start log stream")
		}
		return e.WithDetail("stream_id", id)
	}

	if appName == "" || serviceName == "" {
		return nil, fail(model.ValidationError("app and service names are required"))
	}
	if opts.Since != nil && opts.Until != nil && opts.Until.Before(*opts.Since) {
		return nil, fail(model.ValidationError("until must not be before since"))
	}
	if opts.Tail <= 0 || opts.Tail > s.cfg.MaxTail {
		opts.Tail = s.cfg.MaxTail
	}

	c, err := s.rt.ResolveContainer(ctx, appName, serviceName)
	if err != nil {
		return nil, fail(err)
	}
	if opts.Follow && !c.Running {
		return nil, fail(model.ContainerNotRunning(appName, serviceName))
	}

	sctx, cancel := context.WithCancel(context.Background())
	src, err := s.rt.Logs(sctx, c.ID, opts)
	if err != nil {
		cancel()
		return nil, fail(err)
	}

	st := &Stream{
		buf:    output.NewBuffer(s.cfg.BufferSize, s.cfg.MaxLineLength),
		cancel: cancel,
		done:   make(chan struct{}),
		src:    src,
		session: model.LogStreamSession{
			ID:          id,
			AppName:     appName,
			ServiceName: serviceName,
			OwnerID:     ownerID,
			Options:     opts,
			StartedAt:   s.now(),
		},
	}

	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"stream_id": id,
		"app":       appName,
		"service":   serviceName,
		"follow":    opts.Follow,
		"tail":      opts.Tail,
	}).Info("Log stream started")

	go s.pump(sctx, st, c.ID, src)
	return st, nil
}

func (s *Service) pump(ctx context.Context, st *Stream, containerID string, src *runtime.LogStream) {
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	read := func(r io.Reader, streamType model.StreamType) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), maxScanToken)
		scanner.Split(scanLines(maxScanToken))
		for scanner.Scan() {
			st.buf.Append(streamType, scanner.Text())
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
		}
	}

	wg.Add(2)
	go read(src.Stdout, model.StreamStdout)
	go read(src.Stderr, model.StreamStderr)
	wg.Wait()

	if ctx.Err() != nil {
		// Stopped from outside; the reason is already recorded.
		return
	}

	reason := s.endReason(st, containerID, firstErr)
	if st.end(reason, s.now()) {
		s.log.WithFields(logrus.Fields{
			"stream_id": st.ID(),
			"reason":    reason,
		}).Info("Log stream ended")
	}
}

func (s *Service) endReason(st *Stream, containerID string, readErr error) model.EndReason {
	if readErr != nil {
		s.log.WithField("stream_id", st.ID()).WithError(readErr).Warn("Log stream read failed")
	}
	if !st.session.Options.Follow {
		if readErr != nil {
			return model.EndStreamClosed
		}
		return model.EndCompleted
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	running, err := s.rt.ContainerRunning(ctx, containerID)
	switch {
	case err != nil:
		return model.EndReasonFor(err)
	case !running:
		return model.EndContainerStopped
	default:
		return model.EndStreamClosed
	}
}

// Get returns a stream by id.
func (s *Service) Get(id string) (*Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// Stop ends a stream with reason stopped and removes it.
func (s *Service) Stop(id string) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()

	if !ok {
		return model.NotFound("stream", id)
	}
	if st.end(model.EndStopped, s.now()) {
		s.log.WithField("stream_id", id).Info("Log stream stopped")
	}
	return nil
}

// StopByOwner stops every stream started by ownerID and returns how many
// were removed.
func (s *Service) StopByOwner(ownerID string) int {
	s.mu.Lock()
	var owned []*Stream
	for id, st := range s.streams {
		if st.OwnerID() == ownerID {
			owned = append(owned, st)
			delete(s.streams, id)
		}
	}
	s.mu.Unlock()

	now := s.now()
	for _, st := range owned {
		st.end(model.EndStopped, now)
	}
	if len(owned) > 0 {
		s.log.WithFields(logrus.Fields{"owner": ownerID, "count": len(owned)}).Info("Stopped log streams of departed client")
	}
	return len(owned)
}

// Sweep removes streams that ended longer than the retention ago.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	var removed int
	for id, st := range s.streams {
		sess := st.Session()
		if sess.EndedAt != nil && now.Sub(*sess.EndedAt) >= s.cfg.EndedRetention {
			delete(s.streams, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// ActiveCount returns the number of streams that have not ended.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, st := range s.streams {
		if st.EndReason() == "" {
			n++
		}
	}
	return n
}

// Close stops every stream.
func (s *Service) Close() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*Stream)
	s.mu.Unlock()

	now := s.now()
	for _, st := range streams {
		st.end(model.EndStopped, now)
	}
}
