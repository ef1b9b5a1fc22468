package ws

import (
	"context"
	"strings"

	"github.com/compose-paas/backend/internal/logstream"
	"github.com/compose-paas/backend/internal/output"
	"github.com/compose-paas/backend/internal/shell"
)

// Each pump reads its buffer by sequence, so batches are gap-free and in
// order no matter how appends and wake-ups interleave. A pump returns
// silently when its subscription is cancelled and announces the end when the
// buffer is closed and drained.

func (m *Messenger) pumpTaskOutput(ctx context.Context, c *Client, taskID string, buf *output.Buffer, since, historicalUntil uint64) {
	for {
		wait := buf.Wait()
		page := buf.ReadFrom(since, m.cfg.BatchSize)

		if n := len(page.Lines); n > 0 {
			last := page.Lines[n-1].Sequence
			msg := TaskOutputData{
				TaskID:       taskID,
				Lines:        page.Lines,
				IsHistorical: last <= historicalUntil,
				HasMore:      page.HasMore,
				Missed:       page.Missed,
			}
			if !m.sendWait(ctx, c, TypeTaskOutputData, msg) {
				return
			}
			since = last
			continue
		}

		if page.Closed {
			c.release(taskKey(taskID))
			m.sendWait(ctx, c, TypeTaskOutputStreamEnded, TaskOutputStreamEnded{TaskID: taskID})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}

func (m *Messenger) pumpLogs(ctx context.Context, c *Client, st *logstream.Stream) {
	buf := st.Buffer()
	var since uint64
	for {
		wait := buf.Wait()
		page := buf.ReadFrom(since, m.cfg.BatchSize)

		if n := len(page.Lines); n > 0 {
			msg := LogsStreamData{
				StreamID: st.ID(),
				Lines:    page.Lines,
				Dropped:  page.Missed,
			}
			if !m.sendWait(ctx, c, TypeLogsStreamData, msg) {
				return
			}
			since = page.Lines[n-1].Sequence
			continue
		}

		if page.Closed {
			c.release(logKey(st.ID()))
			m.sendWait(ctx, c, TypeLogsStreamEnded, LogsStreamEnded{StreamID: st.ID(), Reason: st.EndReason()})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}

// pumpShell sends output chunks, joining whatever is pending into one
// message stamped with the sequence of its last chunk.
func (m *Messenger) pumpShell(ctx context.Context, c *Client, sess *shell.Session, since uint64) {
	buf := sess.Buffer()
	id := sess.ID().String()
	for {
		wait := buf.Wait()
		page := buf.ReadFrom(since, m.cfg.BatchSize)

		if n := len(page.Lines); n > 0 {
			var b strings.Builder
			for _, line := range page.Lines {
				b.WriteString(line.Content)
			}
			since = page.Lines[n-1].Sequence
			msg := ShellSessionData{SessionID: id, Data: b.String(), Sequence: since}
			if !m.sendWait(ctx, c, TypeShellSessionData, msg) {
				return
			}
			continue
		}

		if page.Closed {
			c.release(shellKey(id))
			msg := ShellSessionEnded{SessionID: id, Reason: sess.EndReason()}
			if code, ok := sess.ExitCode(); ok {
				msg.ExitCode = &code
			}
			m.sendWait(ctx, c, TypeShellSessionEnded, msg)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
	}
}
