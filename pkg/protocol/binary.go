package protocol

import (
	"errors"
	"fmt"
)

// KindPush marks a binary frame carrying a client push.
const KindPush byte = 0

const (
	binaryHeaderLen = 5
	maxFieldLen     = 255
)

var (
	// ErrFrameTooShort indicates a binary frame shorter than its declared header.
	ErrFrameTooShort = errors.New("binary frame too short")
	// ErrFieldTooLong indicates a header field that does not fit in one length byte.
	ErrFieldTooLong = errors.New("binary frame field too long")
	// ErrUnknownFrameKind indicates an unsupported frame kind byte.
	ErrUnknownFrameKind = errors.New("unknown binary frame kind")
)

// EncodeBinary encodes a push carrying raw bytes.
// Layout: kind | len(join_ref) | len(ref) | len(topic) | len(event) | join_ref | ref | topic | event | payload.
func EncodeBinary(env Envelope) ([]byte, error) {
	fields := [4]string{env.JoinRef, env.Ref, env.Topic, env.Event}
	headerLen := binaryHeaderLen
	for _, f := range fields {
		if len(f) > maxFieldLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(f))
		}
		headerLen += len(f)
	}

	frame := make([]byte, headerLen+len(env.Binary))
	frame[0] = KindPush
	for i, f := range fields {
		frame[1+i] = byte(len(f))
	}
	pos := binaryHeaderLen
	for _, f := range fields {
		pos += copy(frame[pos:], f)
	}
	copy(frame[pos:], env.Binary)
	return frame, nil
}

// DecodeBinary decodes a binary push frame. The returned envelope's Binary
// aliases data.
func DecodeBinary(data []byte) (Envelope, error) {
	if len(data) < binaryHeaderLen {
		return Envelope{}, ErrFrameTooShort
	}
	if data[0] != KindPush {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownFrameKind, data[0])
	}
	var fields [4]string
	pos := binaryHeaderLen
	for i := range fields {
		n := int(data[1+i])
		if pos+n > len(data) {
			return Envelope{}, ErrFrameTooShort
		}
		fields[i] = string(data[pos : pos+n])
		pos += n
	}
	return Envelope{
		V:       ProtocolVersion,
		JoinRef: fields[0],
		Ref:     fields[1],
		Topic:   fields[2],
		Event:   fields[3],
		Binary:  data[pos:],
	}, nil
}
