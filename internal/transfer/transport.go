package transfer

import (
	"context"
	"io"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// Transport opens sub-channels on a connection shared by all transfers.
type Transport interface {
	// Open returns a new, not yet joined sub-channel for topic. params are
	// sent with the join.
	Open(topic string, params any) (Channel, error)
}

// Channel is one named sub-channel with a join/leave lifecycle.
type Channel interface {
	// Join joins the channel. A missing reply yields a timeout status.
	Join(ctx context.Context, timeout time.Duration) (protocol.Reply, error)

	// Push sends event with an optional binary payload and waits for exactly
	// one of ok, error(reason), or timeout. A non-nil error means the push
	// could not complete locally (context done, connection gone).
	Push(ctx context.Context, event string, payload []byte, timeout time.Duration) (protocol.Reply, error)

	// OnError registers a handler for unexpected channel closure.
	OnError(fn func(error))

	// IsJoined reports whether the channel is joined.
	IsJoined() bool

	// Leave releases the channel. It is safe to call more than once.
	Leave()
}

// Fetcher acquires the byte stream of a remote object.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (io.ReadCloser, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	return f(ctx, url)
}
