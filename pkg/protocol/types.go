package protocol

import "strings"

// Channel lifecycle events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"
)

// Upload channel events.
const (
	EventChunk    = "chunk"
	EventFinished = "finished"
)

// Reply statuses. StatusTimeout is never sent on the wire; it is produced
// locally when no reply arrives in time.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Error reasons returned by the server in error replies.
const (
	ReasonUnauthorized  = "unauthorized"
	ReasonNotFound      = "not_found"
	ReasonAlreadyActive = "already_active"
	ReasonNotJoined     = "not_joined"
	ReasonDiskFull      = "disk_full"
	ReasonTooLarge      = "too_large"
	ReasonWriteFailed   = "write_failed"
	ReasonExpired       = "expired"
	ReasonUnknownEvent  = "unknown_event"
	ReasonUnavailable   = "storage_unavailable"
)

// TopicPhoenix is the connection-level topic heartbeats are sent on.
const TopicPhoenix = "phoenix"

const uploadTopicPrefix = "up:"

// UploadTopic returns the channel topic for an upload ref.
func UploadTopic(ref string) string {
	return uploadTopicPrefix + ref
}

// UploadRef extracts the upload ref from a topic.
func UploadRef(topic string) (string, bool) {
	if !strings.HasPrefix(topic, uploadTopicPrefix) {
		return "", false
	}
	ref := strings.TrimPrefix(topic, uploadTopicPrefix)
	return ref, ref != ""
}
