package output

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-paas/backend/internal/model"
)

func TestBufferSequenceStartsAtOne(t *testing.T) {
	b := NewBuffer(10, 0)

	line, ok := b.Append(model.StreamStdout, "hello")
	require.True(t, ok)
	assert.Equal(t, uint64(1), line.Sequence)
	assert.Equal(t, "hello", line.Content)
	assert.Equal(t, model.StreamStdout, line.StreamType)

	line, _ = b.Append(model.StreamStderr, "world")
	assert.Equal(t, uint64(2), line.Sequence)
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(3, 0)
	for i := 0; i < 5; i++ {
		b.Append(model.StreamStdout, string(rune('a'+i)))
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(5), b.TotalLines())
	assert.Equal(t, uint64(2), b.Evicted())

	page := b.ReadFrom(0, 0)
	require.Len(t, page.Lines, 3)
	assert.Equal(t, "c", page.Lines[0].Content)
	assert.Equal(t, uint64(3), page.Lines[0].Sequence)
	assert.Equal(t, "e", page.Lines[2].Content)
	assert.Equal(t, uint64(2), page.Missed)
}

func TestBufferReadFrom(t *testing.T) {
	b := NewBuffer(100, 0)
	for i := 0; i < 10; i++ {
		b.Append(model.StreamStdout, "line")
	}

	tests := []struct {
		name    string
		since   uint64
		limit   int
		want    int
		first   uint64
		hasMore bool
	}{
		{"from beginning", 0, 0, 10, 1, false},
		{"resume", 7, 0, 3, 8, false},
		{"up to date", 10, 0, 0, 0, false},
		{"ahead of producer", 20, 0, 0, 0, false},
		{"limited", 0, 4, 4, 1, true},
		{"limit larger than rest", 8, 5, 2, 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := b.ReadFrom(tt.since, tt.limit)
			assert.Len(t, page.Lines, tt.want)
			assert.Equal(t, tt.hasMore, page.HasMore)
			assert.Equal(t, uint64(10), page.LastSequence)
			if tt.want > 0 {
				assert.Equal(t, tt.first, page.Lines[0].Sequence)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"disabled", "abcdef", 0, "abcdef"},
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"ascii", "abcdefgh", 5, "abcde" + TruncationMarker},
		// "é" is two bytes; cutting at 2 would split it.
		{"multibyte boundary", "aébc", 2, "a" + TruncationMarker},
		{"multibyte kept", "aébc", 3, "aé" + TruncationMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestBufferAppendAfterClose(t *testing.T) {
	b := NewBuffer(4, 0)
	b.Append(model.StreamInfo, "before")
	b.Close()

	_, ok := b.Append(model.StreamInfo, "after")
	assert.False(t, ok)

	page := b.ReadFrom(0, 0)
	assert.True(t, page.Closed)
	require.Len(t, page.Lines, 1)
	assert.Equal(t, "before", page.Lines[0].Content)
}

func TestBufferWaitWakesOnAppendAndClose(t *testing.T) {
	b := NewBuffer(4, 0)

	ch := b.Wait()
	select {
	case <-ch:
		t.Fatal("wait channel closed before any append")
	default:
	}

	b.Append(model.StreamStdout, "x")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("append did not wake waiter")
	}

	ch = b.Wait()
	b.Close()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}
}

func TestBufferConcurrentAppend(t *testing.T) {
	b := NewBuffer(1000, 0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Append(model.StreamStdout, "x")
			}
		}()
	}
	wg.Wait()

	page := b.ReadFrom(0, 0)
	require.Len(t, page.Lines, 800)
	for i, line := range page.Lines {
		assert.Equal(t, uint64(i+1), line.Sequence)
	}
}

// Property: sequences within a scope increase strictly by one, the buffer
// never holds more than its capacity, and eviction always drops the oldest line.
func TestBufferProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("sequence increases by exactly one", prop.ForAll(
		func(contents []string) bool {
			b := NewBuffer(len(contents)+1, 0)
			var last uint64
			for _, c := range contents {
				line, _ := b.Append(model.StreamStdout, c)
				if line.Sequence != last+1 {
					return false
				}
				last = line.Sequence
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("length never exceeds capacity and oldest is evicted", prop.ForAll(
		func(capacity int, n int) bool {
			b := NewBuffer(capacity, 0)
			for i := 0; i < n; i++ {
				before := b.ReadFrom(0, 0)
				b.Append(model.StreamStdout, "line")
				if b.Len() > capacity {
					return false
				}
				if len(before.Lines) == capacity {
					after := b.ReadFrom(0, 0)
					if after.Lines[0].Sequence != before.Lines[0].Sequence+1 {
						return false
					}
				}
			}
			return b.Len() == min(n, capacity)
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 200),
	))

	properties.Property("resume never redelivers seen lines", prop.ForAll(
		func(first int, second int, capacity int) bool {
			b := NewBuffer(capacity, 0)
			for i := 0; i < first; i++ {
				b.Append(model.StreamStdout, "a")
			}
			seen := b.ReadFrom(0, 0).LastSequence
			for i := 0; i < second; i++ {
				b.Append(model.StreamStdout, "b")
			}
			page := b.ReadFrom(seen, 0)
			for i, line := range page.Lines {
				if line.Sequence <= seen {
					return false
				}
				if i > 0 && line.Sequence != page.Lines[i-1].Sequence+1 {
					return false
				}
			}
			return uint64(len(page.Lines))+page.Missed == uint64(second)
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(1, 60),
	))

	properties.Property("truncated content stays valid utf-8", prop.ForAll(
		func(s string, max int) bool {
			got := Truncate(s, max)
			if !utf8.ValidString(s) {
				return true
			}
			if len(s) <= max {
				return got == s
			}
			return utf8.ValidString(got) && strings.HasSuffix(got, TruncationMarker) &&
				len(got) <= max+len(TruncationMarker)
		},
		gen.AnyString(),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
