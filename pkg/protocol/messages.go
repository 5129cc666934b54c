package protocol

import (
	"encoding/json"
	"time"
)

// Reply is the payload of a phx_reply and the outcome of a join or push.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// OK reports whether the reply acknowledged the request.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Reason returns the rejection reason carried in an error reply.
func (r Reply) Reason() string {
	if len(r.Response) == 0 {
		return r.Status
	}
	var er ErrorReason
	if err := json.Unmarshal(r.Response, &er); err == nil && er.Reason != "" {
		return er.Reason
	}
	var s string
	if err := json.Unmarshal(r.Response, &s); err == nil && s != "" {
		return s
	}
	return string(r.Response)
}

// ErrorReason is the response body of an error reply and the payload of phx_error.
type ErrorReason struct {
	Reason string `json:"reason"`
}

// JoinParams are sent with phx_join on an upload topic.
type JoinParams struct {
	Token string `json:"token"`
}

// UploadConfig is returned in the join reply and fixes the chunking for the session.
type UploadConfig struct {
	ChunkSize      int `json:"chunk_size"`
	ChunkTimeoutMs int `json:"chunk_timeout"`
}

// ChunkTimeout returns the chunk timeout as a duration.
func (c UploadConfig) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutMs) * time.Millisecond
}

// ChunkAck is the response to an accepted chunk.
type ChunkAck struct {
	Offset int64 `json:"offset"`
}

// UploadRequest is the body of POST /uploads.
type UploadRequest struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Encrypted bool   `json:"encrypted"`
}

// UploadTicket authorizes one upload over the channel connection.
type UploadTicket struct {
	Ref            string    `json:"ref"`
	Topic          string    `json:"topic"`
	Token          string    `json:"token"`
	ChunkSize      int       `json:"chunk_size"`
	ChunkTimeoutMs int       `json:"chunk_timeout"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// UploadConfig returns the chunk settings carried by the ticket.
func (t UploadTicket) UploadConfig() UploadConfig {
	return UploadConfig{ChunkSize: t.ChunkSize, ChunkTimeoutMs: t.ChunkTimeoutMs}
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Ref        string    `json:"ref"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	Encrypted  bool      `json:"encrypted"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}
