package transfer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

const (
	// DefaultChunkSize is the chunk size used when the endpoint does not send one.
	DefaultChunkSize = 64_000
	// MaxChunkSize bounds the chunk size an endpoint may negotiate.
	MaxChunkSize = 8 << 20
	// DefaultChunkTimeout is the acknowledgment timeout used when none is negotiated.
	DefaultChunkTimeout = 10 * time.Second
	// DefaultJoinTimeout bounds the wait for a join reply.
	DefaultJoinTimeout = 10 * time.Second
)

// ChunkConfig is negotiated once per upload and fixed for its lifetime.
type ChunkConfig struct {
	ChunkSize    int
	ChunkTimeout time.Duration
}

// NormalizeChunkConfig applies defaults and clamps the chunk size.
func NormalizeChunkConfig(c ChunkConfig) ChunkConfig {
	out := c
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	if out.ChunkTimeout <= 0 {
		out.ChunkTimeout = DefaultChunkTimeout
	}
	return out
}

// ChunkConfigFrom converts the wire form.
func ChunkConfigFrom(c protocol.UploadConfig) ChunkConfig {
	return ChunkConfig{ChunkSize: c.ChunkSize, ChunkTimeout: c.ChunkTimeout()}
}

// ConfigProvider yields the chunk config for a session from the join reply's response.
type ConfigProvider func(joinResponse json.RawMessage) (ChunkConfig, error)

// StaticConfig ignores the join reply and always returns c.
func StaticConfig(c ChunkConfig) ConfigProvider {
	return func(json.RawMessage) (ChunkConfig, error) {
		return NormalizeChunkConfig(c), nil
	}
}

// JoinReplyConfig reads protocol.UploadConfig from the join reply. Fields
// the endpoint leaves out are taken from fallback.
func JoinReplyConfig(fallback ChunkConfig) ConfigProvider {
	return func(resp json.RawMessage) (ChunkConfig, error) {
		out := fallback
		if len(resp) > 0 {
			var uc protocol.UploadConfig
			if err := json.Unmarshal(resp, &uc); err != nil {
				return ChunkConfig{}, fmt.Errorf("decode upload config: %w", err)
			}
			if uc.ChunkSize > 0 {
				out.ChunkSize = uc.ChunkSize
			}
			if uc.ChunkTimeoutMs > 0 {
				out.ChunkTimeout = uc.ChunkTimeout()
			}
		}
		return NormalizeChunkConfig(out), nil
	}
}
