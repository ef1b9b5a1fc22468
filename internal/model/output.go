package model

import "time"

// StreamType tags the origin of an output line.
type StreamType string

const (
	StreamStdout      StreamType = "stdout"
	StreamStderr      StreamType = "stderr"
	StreamStatus      StreamType = "status"
	StreamStatusError StreamType = "status_error"
	StreamProgress    StreamType = "progress"
	StreamInfo        StreamType = "info"
)

// Valid reports whether t is one of the known stream types.
func (t StreamType) Valid() bool {
	switch t {
	case StreamStdout, StreamStderr, StreamStatus, StreamStatusError, StreamProgress, StreamInfo:
		return true
	}
	return false
}

// OutputLine is a single line of output produced by a task, log stream or
// other producer. Sequence is strictly increasing by one within its scope.
type OutputLine struct {
	Timestamp  time.Time  `json:"timestamp"`
	StreamType StreamType `json:"stream_type"`
	Content    string     `json:"content"`
	Sequence   uint64     `json:"sequence"`
}

// OutputPage is the result of reading a buffer from a sequence number.
type OutputPage struct {
	Lines   []OutputLine `json:"lines"`
	HasMore bool         `json:"has_more"`
	// Missed counts lines after the requested sequence that were evicted
	// before they could be read.
	Missed uint64 `json:"missed"`
	// LastSequence is the highest sequence ever appended to the buffer.
	LastSequence uint64 `json:"last_sequence"`
	Closed       bool   `json:"closed"`
}
