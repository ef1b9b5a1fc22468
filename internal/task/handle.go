package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/output"
)

// RunFunc is the body of a goroutine-backed handle. Output goes through w;
// the returned exit code only matters for the primary handle.
type RunFunc func(ctx context.Context, w *Writer) (exitCode int, err error)

// Handle is one execution unit registered under a task.
type Handle struct {
	ID   string
	Role model.HandleRole

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewHandle creates a handle. cancel aborts the unit of work behind it and
// may be nil for handles that cannot be interrupted.
func NewHandle(role model.HandleRole, cancel context.CancelFunc) *Handle {
	return &Handle{
		Role:   role,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel aborts the handle.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Done is closed once the handle's work has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error the handle exited with.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// PanicError is returned for a handle whose RunFunc panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Writer appends lines to a task's output.
type Writer struct {
	buf *output.Buffer
}

// Line appends one line of the given type.
func (w *Writer) Line(streamType model.StreamType, content string) {
	if w == nil || w.buf == nil {
		return
	}
	w.buf.Append(streamType, content)
}

// Linef appends a formatted line.
func (w *Writer) Linef(streamType model.StreamType, format string, args ...interface{}) {
	w.Line(streamType, fmt.Sprintf(format, args...))
}
