// Package output provides sequenced, bounded storage for output lines.
package output

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/compose-paas/backend/internal/model"
)

// TruncationMarker is appended to lines cut at the maximum line length.
const TruncationMarker = " [truncated]"

// Buffer is a thread-safe ring of output lines for a single scope. Each
// appended line receives the next sequence number, starting at 1. When the
// ring is full the oldest line is evicted to make room.
//
// Readers pull lines by sequence with ReadFrom and use Wait to learn about
// new lines, so a slow reader sees a gap (reported as missed) rather than
// blocking producers.
type Buffer struct {
	mu            sync.RWMutex
	lines         []model.OutputLine
	head          int // index of the oldest line
	count         int
	maxLines      int
	maxLineLength int
	seq           uint64
	evicted       uint64
	closed        bool
	changed       chan struct{}
	now           func() time.Time
}

// NewBuffer creates a buffer that keeps at most maxLines lines. A
// maxLineLength of zero disables truncation.
func NewBuffer(maxLines, maxLineLength int) *Buffer {
	if maxLines <= 0 {
		maxLines = 1
	}
	return &Buffer{
		lines:         make([]model.OutputLine, maxLines),
		maxLines:      maxLines,
		maxLineLength: maxLineLength,
		changed:       make(chan struct{}),
		now:           time.Now,
	}
}

// Append stores content under the next sequence number and returns the
// stored line. Appending to a closed buffer is a no-op that returns false.
func (b *Buffer) Append(streamType model.StreamType, content string) (model.OutputLine, bool) {
	content = Truncate(content, b.maxLineLength)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return model.OutputLine{}, false
	}

	b.seq++
	line := model.OutputLine{
		Timestamp:  b.now(),
		StreamType: streamType,
		Content:    content,
		Sequence:   b.seq,
	}

	if b.count == b.maxLines {
		b.lines[b.head] = line
		b.head = (b.head + 1) % b.maxLines
		b.evicted++
	} else {
		b.lines[(b.head+b.count)%b.maxLines] = line
		b.count++
	}

	b.notifyLocked()
	return line, true
}

// ReadFrom returns up to limit lines with a sequence greater than since. A
// limit of zero returns every retained line.
func (b *Buffer) ReadFrom(since uint64, limit int) model.OutputPage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	page := model.OutputPage{
		LastSequence: b.seq,
		Closed:       b.closed,
	}

	if since >= b.seq {
		return page
	}

	first := b.evicted + 1
	from := since + 1
	if from < first {
		page.Missed = first - from
		from = first
	}

	n := int(b.seq - from + 1)
	if limit > 0 && n > limit {
		n = limit
		page.HasMore = true
	}

	offset := int(from - first)
	page.Lines = make([]model.OutputLine, n)
	for i := 0; i < n; i++ {
		page.Lines[i] = b.lines[(b.head+offset+i)%b.maxLines]
	}
	return page
}

// Wait returns a channel that is closed on the next append or on Close.
// Callers must obtain the channel before calling ReadFrom so that no append
// between the two goes unnoticed.
func (b *Buffer) Wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Close marks the buffer as complete. Retained lines stay readable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.notifyLocked()
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Len returns the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// TotalLines returns how many lines were ever appended.
func (b *Buffer) TotalLines() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Evicted returns how many lines were dropped to stay within capacity.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// Capacity returns the maximum number of retained lines.
func (b *Buffer) Capacity() int {
	return b.maxLines
}

// Truncate shortens s to at most max bytes without splitting a UTF-8
// sequence and appends the truncation marker. A max of zero disables it.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}
