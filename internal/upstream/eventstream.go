package upstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// The Kiro response body is AWS event-stream framing, not SSE. Each frame:
//
//	prelude (12 bytes): total length (4, BE) + headers length (4, BE) + prelude CRC (4)
//	headers (headers-length bytes): [name-len(1)][name][value-type(1)][value]...
//	payload: a JSON document
//	message CRC (4 bytes)
//
// Neither CRC is validated; TLS already covers integrity and the desktop
// client the upstream was built for skips them too.
const (
	preludeLength = 12

	// minFrameLength is an empty frame: prelude plus message CRC.
	minFrameLength = 16

	// maxFrameLength bounds the body allocation so a corrupt length field
	// cannot ask for gigabytes.
	maxFrameLength = 1 << 24
)

// FrameError reports a broken event stream. Fatal means the read position is
// unknown (short read inside a frame); otherwise the frame declared
// impossible lengths. Neither is recoverable on this connection.
type FrameError struct {
	Fatal   bool
	Message string
	Cause   error
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("event stream: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("event stream: %s", e.Message)
}

func (e *FrameError) Unwrap() error { return e.Cause }

// frame is one decoded event-stream message.
type frame struct {
	EventType string
	Payload   []byte
}

// readFrame decodes the next frame from r. A clean EOF at a frame boundary
// returns (nil, nil).
func readFrame(r *bufio.Reader) (*frame, error) {
	prelude := make([]byte, preludeLength)
	if _, err := io.ReadFull(r, prelude); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &FrameError{Fatal: true, Message: "read prelude", Cause: err}
	}

	totalLength := binary.BigEndian.Uint32(prelude[0:4])
	headersLength := binary.BigEndian.Uint32(prelude[4:8])

	if totalLength < minFrameLength {
		return nil, &FrameError{Message: fmt.Sprintf("frame length %d below minimum %d", totalLength, minFrameLength)}
	}
	if totalLength > maxFrameLength {
		return nil, &FrameError{Message: fmt.Sprintf("frame length %d above maximum %d", totalLength, maxFrameLength)}
	}
	if headersLength > totalLength-minFrameLength {
		return nil, &FrameError{Message: fmt.Sprintf("headers length %d exceeds frame bounds (total %d)", headersLength, totalLength)}
	}

	remaining := make([]byte, totalLength-preludeLength)
	if _, err := io.ReadFull(r, remaining); err != nil {
		return nil, &FrameError{Fatal: true, Message: "read frame body", Cause: err}
	}

	eventType := eventTypeFromHeaders(remaining[:headersLength])

	// The last four bytes are the message CRC; the payload sits between the
	// headers and it.
	payloadEnd := len(remaining) - 4
	if int(headersLength) >= payloadEnd {
		return &frame{EventType: eventType}, nil
	}
	return &frame{EventType: eventType, Payload: remaining[headersLength:payloadEnd]}, nil
}

// Event-stream header value types.
const (
	headerBoolTrue  = 0
	headerBoolFalse = 1
	headerByte      = 2
	headerShort     = 3
	headerInt       = 4
	headerLong      = 5
	headerByteArray = 6
	headerString    = 7
	headerTimestamp = 8
	headerUUID      = 9
)

// eventTypeFromHeaders walks the header block for the :event-type string
// header. Truncated or unknown headers end the walk with an empty result; a
// frame without the header is still usable, its payload just needs type
// probing.
func eventTypeFromHeaders(headers []byte) string {
	offset := 0
	for offset < len(headers) {
		nameLen := int(headers[offset])
		offset++
		if offset+nameLen > len(headers) {
			return ""
		}
		name := string(headers[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(headers) {
			return ""
		}
		valueType := int(headers[offset])
		offset++

		if valueType == headerString {
			if offset+2 > len(headers) {
				return ""
			}
			valueLen := int(binary.BigEndian.Uint16(headers[offset : offset+2]))
			offset += 2
			if offset+valueLen > len(headers) {
				return ""
			}
			if name == ":event-type" {
				return string(headers[offset : offset+valueLen])
			}
			offset += valueLen
			continue
		}

		next, ok := skipHeaderValue(headers, offset, valueType)
		if !ok {
			return ""
		}
		offset = next
	}
	return ""
}

// skipHeaderValue advances past a non-string header value.
func skipHeaderValue(headers []byte, offset, valueType int) (int, bool) {
	switch valueType {
	case headerBoolTrue, headerBoolFalse:
		return offset, true
	case headerByte:
		offset++
	case headerShort:
		offset += 2
	case headerInt:
		offset += 4
	case headerLong, headerTimestamp:
		offset += 8
	case headerByteArray:
		if offset+2 > len(headers) {
			return 0, false
		}
		offset += 2 + int(binary.BigEndian.Uint16(headers[offset:offset+2]))
	case headerUUID:
		offset += 16
	default:
		return 0, false
	}
	if offset > len(headers) {
		return 0, false
	}
	return offset, true
}
