package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryFrame(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, 0x20}
	env := Envelope{JoinRef: "1", Ref: "42", Topic: UploadTopic("ref-1"), Event: EventChunk, Binary: payload}

	frame, err := EncodeBinary(env)
	require.NoError(t, err)
	assert.Equal(t, KindPush, frame[0])

	got, err := DecodeBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, env.JoinRef, got.JoinRef)
	assert.Equal(t, env.Ref, got.Ref)
	assert.Equal(t, env.Topic, got.Topic)
	assert.Equal(t, env.Event, got.Event)
	assert.True(t, bytes.Equal(payload, got.Binary))
	assert.Equal(t, ProtocolVersion, got.V)
}

func TestBinaryFrameEmptyPayload(t *testing.T) {
	frame, err := EncodeBinary(Envelope{Ref: "1", Topic: "up:x", Event: EventChunk})
	require.NoError(t, err)

	got, err := DecodeBinary(frame)
	require.NoError(t, err)
	assert.Empty(t, got.Binary)
}

func TestEncodeBinaryFieldTooLong(t *testing.T) {
	_, err := EncodeBinary(Envelope{Topic: strings.Repeat("t", 256), Event: EventChunk})
	require.ErrorIs(t, err, ErrFieldTooLong)
}

func TestDecodeBinaryErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrFrameTooShort},
		{"short header", []byte{0, 1, 1}, ErrFrameTooShort},
		{"truncated fields", []byte{0, 0, 0, 10, 5, 'u', 'p'}, ErrFrameTooShort},
		{"unknown kind", []byte{9, 0, 0, 0, 0}, ErrUnknownFrameKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBinary(tt.frame)
			require.ErrorIs(t, err, tt.want)
		})
	}
}
