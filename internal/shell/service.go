// Package shell manages interactive exec sessions inside service containers.
package shell

import (
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

// DefaultReadBufferSize is the size of each exec output read.
const DefaultReadBufferSize = 4096

// Config holds configuration for the shell service.
type Config struct {
	DefaultTTL  time.Duration
	IdleTimeout time.Duration
	// MaxPerService caps concurrent sessions per app service.
	MaxPerService   int
	AllowedShells   []string
	MaxInputSize    int
	DisconnectGrace time.Duration
	// OutputBufferSize is the number of output chunks kept per session.
	OutputBufferSize int
	Logger           *logrus.Entry
}

// CreateOptions describes a session to open.
type CreateOptions struct {
	AppName     string
	ServiceName string
	ShellPath   string
	UserID      string
	// OwnerID identifies the connection that receives the session output.
	OwnerID string
	Cols    uint
	Rows    uint
}

// Session is an open shell session.
type Session struct {
	exec runtime.Exec
	buf  *output.Buffer
	done chan struct{}

	mu         sync.RWMutex
	info       model.ShellSession
	ownerID    string
	detachedAt *time.Time
	closed     bool
	exitCode   *int
	endReason  model.EndReason
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.info.ID
}

// Info returns a snapshot of the session.
func (s *Session) Info() model.ShellSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// OwnerID returns the connection currently attached to the session.
func (s *Session) OwnerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerID
}

// Buffer returns the session output.
func (s *Session) Buffer() *output.Buffer {
	return s.buf
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the exit code of the shell if it exited on its own.
func (s *Session) ExitCode() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// EndReason returns why the session ended, or "" while it is open.
func (s *Session) EndReason() model.EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.info.LastActivity) {
		s.info.LastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// close ends the session once and releases the exec channel.
func (s *Session) close(reason model.EndReason, exitCode *int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.endReason = reason
	s.exitCode = exitCode
	s.mu.Unlock()

	err := s.exec.Close()
	s.buf.Close()
	close(s.done)
	return err
}

type serviceKey struct {
	app     string
	service string
}

// Service manages shell sessions.
type Service struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	pending  map[serviceKey]int

	rt      runtime.Runtime
	cfg     Config
	allowed map[string]struct{}
	log     *logrus.Entry
	now     func() time.Time
}

// NewService creates a new shell service.
func NewService(rt runtime.Runtime, cfg Config) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxPerService <= 0 {
		cfg.MaxPerService = 5
	}
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = 1 << 20
	}
	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("shell")
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedShells))
	for _, sh := range cfg.AllowedShells {
		allowed[sh] = struct{}{}
	}
	return &Service{
		sessions: make(map[uuid.UUID]*Session),
		pending:  make(map[serviceKey]int),
		rt:       rt,
		cfg:      cfg,
		allowed:  allowed,
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// MaxInputSize returns the largest accepted input payload.
func (s *Service) MaxInputSize() int {
	return s.cfg.MaxInputSize
}

// CreateSession opens an interactive TTY exec in the service container.
func (s *Service) CreateSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	if _, ok := s.allowed[opts.ShellPath]; !ok {
		return nil, model.ValidationError("shell '%s' is not allowed", opts.ShellPath).
			WithDetail("app_name", opts.AppName).
			WithDetail("service_name", opts.ServiceName)
	}
	if opts.AppName == "" || opts.ServiceName == "" {
		return nil, model.ValidationError("app and service names are required")
	}

	key := serviceKey{opts.AppName, opts.ServiceName}
	if err := s.reserve(key); err != nil {
		return nil, err
	}
	defer s.release(key)

	c, err := s.rt.ResolveContainer(ctx, opts.AppName, opts.ServiceName)
	if err != nil {
		return nil, err
	}
	if !c.Running {
		return nil, model.ContainerNotRunning(opts.AppName, opts.ServiceName)
	}

	exec, err := s.rt.Exec(ctx, c.ID, runtime.ExecOptions{
		Cmd:  []string{opts.ShellPath},
		TTY:  true,
		Cols: opts.Cols,
		Rows: opts.Rows,
		Env:  []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		exec:    exec,
		buf:     output.NewBuffer(s.cfg.OutputBufferSize, 0),
		done:    make(chan struct{}),
		ownerID: opts.OwnerID,
		info: model.ShellSession{
			ID:           uuid.New(),
			AppName:      opts.AppName,
			ServiceName:  opts.ServiceName,
			UserID:       opts.UserID,
			ShellPath:    opts.ShellPath,
			CreatedAt:    now,
			LastActivity: now,
			TTL:          s.cfg.DefaultTTL,
		},
	}

	s.mu.Lock()
	s.sessions[sess.info.ID] = sess
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"session_id": sess.info.ID,
		"app":        opts.AppName,
		"service":    opts.ServiceName,
		"user":       opts.UserID,
		"shell":      opts.ShellPath,
	}).Info("Shell session created")

	go s.readLoop(sess)
	return sess, nil
}

// reserve claims a slot for key, counting sessions still being created.
func (s *Service) reserve(key serviceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.pending[key]
	for _, sess := range s.sessions {
		if sess.info.AppName == key.app && sess.info.ServiceName == key.service {
			n++
		}
	}
	if n >= s.cfg.MaxPerService {
		return model.ResourceExhausted("service '%s/%s' already has %d shell sessions", key.app, key.service, n).
			WithDetail("app_name", key.app).
			WithDetail("service_name", key.service)
	}
	s.pending[key]++
	return nil
}

func (s *Service) release(key serviceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[key] <= 1 {
		delete(s.pending, key)
		return
	}
	s.pending[key]--
}

// readLoop copies exec output into the session buffer until the exec ends.
func (s *Service) readLoop(sess *Session) {
	buf := make([]byte, DefaultReadBufferSize)
	var carry []byte

	for {
		n, err := sess.exec.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitUTF8(data)
			carry = append([]byte(nil), carry...)
			if len(complete) > 0 {
				sess.buf.Append(model.StreamStdout, string(complete))
			}
			sess.touch(s.now())
		}
		if err != nil {
			if len(carry) > 0 {
				sess.buf.Append(model.StreamStdout, string(carry))
			}
			if !errors.Is(err, io.EOF) && !sess.isClosed() {
				s.log.WithField("session_id", sess.ID()).WithError(err).Warn("Shell output read failed")
			}
			break
		}
	}

	s.waitExit(sess)
}

// waitExit records the exit code and removes a session whose shell ended.
func (s *Service) waitExit(sess *Session) {
	if sess.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var exitCode *int
	if code, err := sess.exec.ExitCode(ctx); err == nil {
		exitCode = &code
	}

	s.remove(sess.ID())
	if err := sess.close(model.EndExited, exitCode); err != nil {
		s.log.WithField("session_id", sess.ID()).WithError(err).Warn("Failed to close exec")
	}
	s.log.WithField("session_id", sess.ID()).Info("Shell session exited")
}

func (s *Service) remove(id uuid.UUID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

// Get returns a session by id.
func (s *Service) Get(id uuid.UUID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Service) lookup(id uuid.UUID) (*Session, error) {
	sess, ok := s.Get(id)
	if !ok || sess.isClosed() {
		return nil, model.NotFound("session", id.String())
	}
	return sess, nil
}

// GetSessionInfo returns what the router needs to authorize a frame.
func (s *Service) GetSessionInfo(id uuid.UUID) (model.ShellSessionInfo, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return model.ShellSessionInfo{}, err
	}
	info := sess.Info()
	return model.ShellSessionInfo{
		AppName:     info.AppName,
		ServiceName: info.ServiceName,
		UserID:      info.UserID,
	}, nil
}

// SendInput forwards data to the shell's stdin. The size limit is checked
// before the session is looked up.
func (s *Service) SendInput(id uuid.UUID, data []byte) error {
	if len(data) > s.cfg.MaxInputSize {
		return model.ResourceExhausted("shell input of %d bytes exceeds the %d byte limit", len(data), s.cfg.MaxInputSize).
			WithDetail("session_id", id.String())
	}
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if _, err := sess.exec.Write(data); err != nil {
		return model.WrapError(err, model.CodeStreamClosed, "failed to write shell input").
			WithDetail("session_id", id.String())
	}
	sess.touch(s.now())
	return nil
}

// ResizeSession propagates the terminal geometry.
func (s *Service) ResizeSession(ctx context.Context, id uuid.UUID, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return model.ValidationError("terminal size %dx%d is invalid", cols, rows).
			WithDetail("session_id", id.String())
	}
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := sess.exec.Resize(ctx, cols, rows); err != nil {
		return err
	}
	sess.touch(s.now())
	return nil
}

// CloseSession ends a session on request.
func (s *Service) CloseSession(id uuid.UUID) error {
	sess, ok := s.remove(id)
	if !ok {
		return model.NotFound("session", id.String())
	}
	if err := sess.close(model.EndStopped, nil); err != nil {
		s.log.WithField("session_id", id).WithError(err).Warn("Failed to close exec")
	}
	s.log.WithField("session_id", id).Info("Shell session closed")
	return nil
}

// Attach moves a detached session to a new connection of the same user. A
// session still held by another connection cannot be taken over.
func (s *Service) Attach(id uuid.UUID, userID, ownerID string) (*Session, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.info.UserID != userID {
		return nil, model.NewError(model.CodeForbidden, "shell session belongs to another user").
			WithDetail("session_id", id.String())
	}
	if sess.detachedAt == nil && sess.ownerID != ownerID {
		return nil, model.NewError(model.CodeConflict, "shell session is attached to another connection").
			WithDetail("session_id", id.String())
	}
	sess.ownerID = ownerID
	sess.detachedAt = nil
	return sess, nil
}

// Detach releases every session of a departed connection. Sessions are
// closed at once when no grace period is configured, otherwise the next
// sweep after the grace period closes them unless they were re-attached.
func (s *Service) Detach(ownerID string) int {
	now := s.now()

	s.mu.RLock()
	var owned []*Session
	for _, sess := range s.sessions {
		if sess.OwnerID() == ownerID {
			owned = append(owned, sess)
		}
	}
	s.mu.RUnlock()

	if s.cfg.DisconnectGrace <= 0 {
		for _, sess := range owned {
			if err := s.CloseSession(sess.ID()); err != nil && !model.IsCode(err, model.CodeNotFound) {
				s.log.WithError(err).Warn("Failed to close detached session")
			}
		}
		return len(owned)
	}

	for _, sess := range owned {
		sess.mu.Lock()
		if sess.ownerID == ownerID {
			sess.ownerID = ""
			sess.detachedAt = &now
		}
		sess.mu.Unlock()
	}
	return len(owned)
}

func (s *Service) expired(sess *Session, now time.Time) bool {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if sess.info.Expired(now, s.cfg.IdleTimeout) {
		return true
	}
	return sess.detachedAt != nil && now.Sub(*sess.detachedAt) >= s.cfg.DisconnectGrace
}

// Sweep removes expired sessions from the registry, then closes them. Close
// failures are logged and do not keep a session registered.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		if err := sess.close(model.EndExpired, nil); err != nil {
			s.log.WithField("session_id", sess.ID()).WithError(err).Warn("Failed to close expired session")
		}
		s.log.WithField("session_id", sess.ID()).Info("Shell session expired")
	}
	return len(expired)
}

// ActiveCount returns the number of open sessions.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close ends every session.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uuid.UUID]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.close(model.EndStopped, nil); err != nil {
			s.log.WithField("session_id", sess.ID()).WithError(err).Warn("Failed to close exec")
		}
	}
}
