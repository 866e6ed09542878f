package kiro

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame is one decoded AWS event-stream message.
type Frame struct {
	// Headers keyed by name; values are their string forms.
	Headers map[string]string

	// Payload is the message body, usually JSON.
	Payload []byte
}

// MessageType returns the ":message-type" header ("event" or "exception").
func (f *Frame) MessageType() string { return f.Headers[":message-type"] }

// EventType returns the ":event-type" header for event frames.
func (f *Frame) EventType() string { return f.Headers[":event-type"] }

// ExceptionType returns the ":exception-type" header for exception frames.
func (f *Frame) ExceptionType() string { return f.Headers[":exception-type"] }

// IsException reports whether the frame carries an upstream exception.
func (f *Frame) IsException() bool { return f.MessageType() == "exception" }

// FrameDecoder reads AWS event-stream frames from an upstream response
// body. Frames are length-prefixed with CRC-protected preludes:
//
//	4B total length | 4B headers length | 4B prelude CRC |
//	headers | payload | 4B message CRC
type FrameDecoder struct {
	r io.Reader
}

// NewFrameDecoder wraps an upstream stream.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: r}
}

const (
	preludeSize   = 12
	crcSize       = 4
	maxFrameSize  = 16 << 20
	headerTypeStr = 7
)

// Next decodes one frame. io.EOF marks a clean end of stream.
func (d *FrameDecoder) Next() (*Frame, error) {
	var prelude [preludeSize]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	total := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc32.ChecksumIEEE(prelude[:8]) != preludeCRC {
		return nil, fmt.Errorf("kiro: event-stream prelude checksum mismatch")
	}
	if total > maxFrameSize || total < preludeSize+crcSize || headerLen > total-preludeSize-crcSize {
		return nil, fmt.Errorf("kiro: event-stream frame length out of range (%d)", total)
	}

	rest := make([]byte, total-preludeSize)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, fmt.Errorf("kiro: truncated event-stream frame: %w", err)
	}

	msgCRC := binary.BigEndian.Uint32(rest[len(rest)-crcSize:])
	sum := crc32.NewIEEE()
	sum.Write(prelude[:])
	sum.Write(rest[:len(rest)-crcSize])
	if sum.Sum32() != msgCRC {
		return nil, fmt.Errorf("kiro: event-stream message checksum mismatch")
	}

	headers, err := parseFrameHeaders(rest[:headerLen])
	if err != nil {
		return nil, err
	}
	payload := rest[headerLen : len(rest)-crcSize]
	return &Frame{Headers: headers, Payload: payload}, nil
}

func parseFrameHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(data) > 0 {
		nameLen := int(data[0])
		data = data[1:]
		if len(data) < nameLen+1 {
			return nil, fmt.Errorf("kiro: truncated event-stream header name")
		}
		name := string(data[:nameLen])
		valueType := data[nameLen]
		data = data[nameLen+1:]

		switch valueType {
		case headerTypeStr:
			if len(data) < 2 {
				return nil, fmt.Errorf("kiro: truncated event-stream header value length")
			}
			valueLen := int(binary.BigEndian.Uint16(data[:2]))
			data = data[2:]
			if len(data) < valueLen {
				return nil, fmt.Errorf("kiro: truncated event-stream header value")
			}
			headers[name] = string(data[:valueLen])
			data = data[valueLen:]
		default:
			// The Kiro stream only uses string headers; anything else is a
			// framing error worth surfacing.
			return nil, fmt.Errorf("kiro: unsupported event-stream header type %d for %q", valueType, name)
		}
	}
	return headers, nil
}

// encodeFrame builds one event-stream frame; the tests use it to simulate
// upstream responses.
func encodeFrame(headers map[string]string, payload []byte) []byte {
	var headerBuf []byte
	for name, value := range headers {
		headerBuf = append(headerBuf, byte(len(name)))
		headerBuf = append(headerBuf, name...)
		headerBuf = append(headerBuf, headerTypeStr)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
		headerBuf = append(headerBuf, lenBuf[:]...)
		headerBuf = append(headerBuf, value...)
	}

	total := preludeSize + len(headerBuf) + len(payload) + crcSize
	frame := make([]byte, 0, total)

	var prelude [preludeSize]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(total))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headerBuf)))
	binary.BigEndian.PutUint32(prelude[8:12], crc32.ChecksumIEEE(prelude[:8]))
	frame = append(frame, prelude[:]...)
	frame = append(frame, headerBuf...)
	frame = append(frame, payload...)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(frame))
	return append(frame, crcBuf[:]...)
}
