package output

import (
	"sync"

	"github.com/compose-paas/backend/internal/model"
)

// Store holds one Buffer per scope id. The map lock is held only while
// looking up, inserting or removing a buffer, never while appending.
type Store struct {
	mu            sync.RWMutex
	buffers       map[string]*Buffer
	maxLines      int
	maxLineLength int
}

// NewStore creates a store whose buffers share the given limits.
func NewStore(maxLines, maxLineLength int) *Store {
	return &Store{
		buffers:       make(map[string]*Buffer),
		maxLines:      maxLines,
		maxLineLength: maxLineLength,
	}
}

// Create returns the buffer for scope, creating it if needed.
func (s *Store) Create(scope string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buffers[scope]; ok {
		return b
	}
	b := NewBuffer(s.maxLines, s.maxLineLength)
	s.buffers[scope] = b
	return b
}

// Get returns the buffer for scope.
func (s *Store) Get(scope string) (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[scope]
	return b, ok
}

// Append adds a line to the buffer of scope.
func (s *Store) Append(scope string, streamType model.StreamType, content string) (model.OutputLine, error) {
	b, ok := s.Get(scope)
	if !ok {
		return model.OutputLine{}, model.NotFound("scope", scope)
	}
	line, ok := b.Append(streamType, content)
	if !ok {
		return model.OutputLine{}, model.NewError(model.CodeStreamClosed, "output for '"+scope+"' is closed").
			WithDetail("scope_id", scope)
	}
	return line, nil
}

// ReadFrom returns lines of scope with a sequence greater than since.
func (s *Store) ReadFrom(scope string, since uint64, limit int) (model.OutputPage, error) {
	b, ok := s.Get(scope)
	if !ok {
		return model.OutputPage{}, model.NotFound("scope", scope)
	}
	return b.ReadFrom(since, limit), nil
}

// Remove closes and drops the buffer of scope.
func (s *Store) Remove(scope string) {
	s.mu.Lock()
	b, ok := s.buffers[scope]
	delete(s.buffers, scope)
	s.mu.Unlock()

	if ok {
		b.Close()
	}
}

// Len returns the number of scopes held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}
