package logstream

import (
	"bufio"
	"bytes"
)

// scanLines is bufio.ScanLines with a cap: a line longer than max is split
// into max-sized tokens instead of failing the scan.
func scanLines(max int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.IndexByte(data, '\n'); i >= 0 && i < max {
			return i + 1, dropCR(data[:i]), nil
		}
		if len(data) >= max {
			return max, data[:max], nil
		}
		if atEOF {
			return len(data), dropCR(data), nil
		}
		return 0, nil, nil
	}
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}
