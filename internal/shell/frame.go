package shell

import (
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/compose-paas/backend/internal/model"
)

// FrameHeaderSize is the length of the session id that prefixes every
// binary shell frame.
const FrameHeaderSize = 16

// ParseFrame splits a binary frame into session id and payload. Frames
// shorter than the header or with a payload above maxPayload are rejected
// before the session is looked up.
func ParseFrame(data []byte, maxPayload int) (uuid.UUID, []byte, error) {
	if len(data) < FrameHeaderSize {
		return uuid.Nil, nil, model.ValidationError("shell frame of %d bytes is shorter than the %d byte header", len(data), FrameHeaderSize)
	}
	id, err := uuid.FromBytes(data[:FrameHeaderSize])
	if err != nil {
		return uuid.Nil, nil, model.ValidationError("invalid session id in shell frame: %v", err)
	}
	payload := data[FrameHeaderSize:]
	if maxPayload > 0 && len(payload) > maxPayload {
		return id, nil, model.ResourceExhausted("shell frame payload of %d bytes exceeds the %d byte limit", len(payload), maxPayload).
			WithDetail("session_id", id.String())
	}
	return id, payload, nil
}

// EncodeFrame builds a binary shell frame.
func EncodeFrame(id uuid.UUID, payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	copy(frame, id[:])
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// splitUTF8 returns the longest prefix of data that does not end inside a
// multi-byte sequence, and the incomplete remainder.
func splitUTF8(data []byte) ([]byte, []byte) {
	// A rune is at most 4 bytes, so only the tail needs checking.
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if utf8.FullRune(data[len(data)-i:]) {
			return data, nil
		}
		return data[:len(data)-i], data[len(data)-i:]
	}
	return data, nil
}
