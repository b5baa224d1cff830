// Package audiobridge terminates AudioSocket connections from the PBX and
// bridges them to a realtime speech session.
package audiobridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Frame kinds on the wire.
const (
	KindHangup byte = 0x00
	KindUUID   byte = 0x01
	KindDTMF   byte = 0x03
	KindAudio  byte = 0x10
	KindError  byte = 0xFF
)

const (
	headerSize = 3
	// FrameBytes is 20ms of 8 kHz s16le mono.
	FrameBytes = 320
	// PBXSampleRate is the rate of AUDIO payloads.
	PBXSampleRate = 8000
)

// ErrUnexpectedFrame is returned when a frame arrives out of protocol order.
var ErrUnexpectedFrame = errors.New("audiobridge: unexpected frame")

// ErrAttemptEnded rejects a connection for an attempt that already has a terminal status.
var ErrAttemptEnded = errors.New("audiobridge: call attempt already ended")

// Frame is one type-length-value record.
type Frame struct {
	Kind    byte
	Payload []byte
}

func kindName(kind byte) string {
	switch kind {
	case KindHangup:
		return "HANGUP"
	case KindUUID:
		return "UUID"
	case KindDTMF:
		return "DTMF"
	case KindAudio:
		return "AUDIO"
	case KindError:
		return "ERROR"
	}
	return fmt.Sprintf("0x%02x", kind)
}

// readHeader reads the kind and payload length.
func readHeader(r io.Reader) (byte, int, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, 0, err
	}
	return h[0], int(binary.BigEndian.Uint16(h[1:3])), nil
}

// ReadFrame reads one complete frame.
func ReadFrame(r io.Reader) (Frame, error) {
	kind, n, err := readHeader(r)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("audiobridge: read %s payload: %w", kindName(kind), err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// EncodeFrame serialises a frame.
func EncodeFrame(kind byte, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[headerSize:], payload)
	return out
}

// FrameUUID extracts the correlation UUID from the first frame of a session.
func FrameUUID(f Frame) (uuid.UUID, error) {
	if f.Kind != KindUUID {
		return uuid.Nil, fmt.Errorf("%w: expected UUID, got %s", ErrUnexpectedFrame, kindName(f.Kind))
	}
	if len(f.Payload) != 16 {
		return uuid.Nil, fmt.Errorf("%w: UUID payload of %d bytes", ErrUnexpectedFrame, len(f.Payload))
	}
	return uuid.FromBytes(f.Payload)
}
