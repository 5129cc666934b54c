package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/sealdrop/internal/bufpool"
	"github.com/sheerbytes/sealdrop/internal/streamcrypt"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// MaxStreamingProgress caps upload progress until the endpoint acknowledges
// the finished message.
const MaxStreamingProgress = 0.97

// UploadEntry is one file to upload.
type UploadEntry struct {
	Ref        string
	Size       int64
	Source     io.Reader
	Token      string
	Passphrase string // empty means no encryption
}

// UploadCallbacks receive progress and the terminal failure of an upload.
// Progress 1.0 signals completion.
type UploadCallbacks struct {
	Progress func(fraction float64)
	Error    func(err error)
}

// Uploader streams entries to the remote endpoint, one sub-channel per entry.
type Uploader struct {
	transport   Transport
	cipher      streamcrypt.Adapter
	registry    *Registry
	buffers     *bufpool.Pools
	logger      *slog.Logger
	joinTimeout time.Duration
}

// NewUploader creates an uploader. A nil registry gets a private one.
func NewUploader(transport Transport, cipher streamcrypt.Adapter, registry *Registry, logger *slog.Logger) *Uploader {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Uploader{
		transport:   transport,
		cipher:      cipher,
		registry:    registry,
		buffers:     bufpool.NewPools(),
		logger:      logger,
		joinTimeout: DefaultJoinTimeout,
	}
}

// Upload transfers entry and blocks until it completes, fails, or stalls.
//
// It returns nil once the endpoint acknowledges the finished message. A
// failure is reported once through cb.Error and returned. A push that times
// out stalls the upload: the session stays in its current state, cb.Error is
// not called, and an error matching ErrChunkTimeout is returned. Cancelling
// ctx releases the sub-channel without failing the session.
func (u *Uploader) Upload(ctx context.Context, entry UploadEntry, provider ConfigProvider, cb UploadCallbacks) error {
	session, release, err := u.registry.Acquire(entry.Ref, KindUpload)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &upload{
		entry:     entry,
		session:   session,
		provider:  provider,
		callbacks: cb,
		cipher:    u.cipher,
		buffers:   u.buffers,
		cancel:    cancel,
		logger:    u.logger.With("ref", entry.Ref),
	}

	ch, err := u.transport.Open(protocol.UploadTopic(entry.Ref), protocol.JoinParams{Token: entry.Token})
	if err != nil {
		return run.failed(newError(ErrChannelJoinFailed, "", err))
	}
	run.channel = ch
	defer ch.Leave()
	ch.OnError(func(err error) {
		run.fail(newError(ErrTransportClosed, "", err))
	})

	return run.run(ctx, u.joinTimeout)
}

// SetJoinTimeout bounds the wait for join replies. Non-positive values are ignored.
func (u *Uploader) SetJoinTimeout(d time.Duration) {
	if d > 0 {
		u.joinTimeout = d
	}
}

// Session returns the active session for ref.
func (u *Uploader) Session(ref string) (*Session, bool) {
	return u.registry.Get(ref)
}

type upload struct {
	entry     UploadEntry
	session   *Session
	channel   Channel
	provider  ConfigProvider
	callbacks UploadCallbacks
	cipher    streamcrypt.Adapter
	buffers   *bufpool.Pools
	cancel    context.CancelFunc
	logger    *slog.Logger
}

func (r *upload) run(ctx context.Context, joinTimeout time.Duration) error {
	if err := r.session.Transition(StateJoining); err != nil {
		return err
	}
	reply, err := r.channel.Join(ctx, joinTimeout)
	if err != nil {
		if r.session.Errored() || ctx.Err() != nil {
			return r.interrupted(ctx, err)
		}
		return r.failed(newError(ErrChannelJoinFailed, "", err))
	}
	if !reply.OK() {
		return r.failed(newError(ErrChannelJoinFailed, reply.Reason(), nil))
	}
	if r.provider == nil {
		r.provider = JoinReplyConfig(ChunkConfig{})
	}
	cfg, err := r.provider(reply.Response)
	if err != nil {
		return r.failed(newError(ErrChannelJoinFailed, "", err))
	}
	if err := r.session.Transition(StateStreaming); err != nil {
		return r.interrupted(ctx, err)
	}
	r.logger.Debug("upload channel joined", "chunk_size", cfg.ChunkSize, "chunk_timeout", cfg.ChunkTimeout)

	src, closeSrc, err := r.effectiveStream()
	if err != nil {
		return r.failed(newError(ErrStreamReadFailed, "", err))
	}
	defer closeSrc()

	buf := r.buffers.Get(cfg.ChunkSize)
	defer r.buffers.Put(buf)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := r.pushChunk(ctx, buf[:n], cfg); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if r.session.Errored() {
				return r.session.Err()
			}
			return r.failed(newError(ErrStreamReadFailed, "", readErr))
		}
	}
	return r.finish(ctx, cfg)
}

// effectiveStream decides once per session whether bytes go through the cipher.
func (r *upload) effectiveStream() (io.Reader, func(), error) {
	if r.entry.Passphrase == "" {
		return r.entry.Source, func() {}, nil
	}
	if r.cipher == nil {
		return nil, nil, fmt.Errorf("passphrase set but no cipher configured")
	}
	enc, err := r.cipher.EncryptStream(r.entry.Source, r.entry.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	return enc, func() { enc.Close() }, nil
}

func (r *upload) pushChunk(ctx context.Context, chunk []byte, cfg ChunkConfig) error {
	if !r.channel.IsJoined() {
		return r.failed(newError(ErrChannelNotJoined, "", nil))
	}
	reply, err := r.channel.Push(ctx, protocol.EventChunk, chunk, cfg.ChunkTimeout)
	if err != nil {
		return r.interrupted(ctx, err)
	}
	switch reply.Status {
	case protocol.StatusOK:
		offset := r.session.Advance(int64(len(chunk)))
		r.report(uploadProgress(offset, r.entry.Size))
		return nil
	case protocol.StatusTimeout:
		r.logger.Warn("timed out pushing chunk", "offset", r.session.Offset(), "timeout", cfg.ChunkTimeout)
		return newError(ErrChunkTimeout, "", nil)
	default:
		return r.failed(newError(ErrChunkRejected, reply.Reason(), nil))
	}
}

func (r *upload) finish(ctx context.Context, cfg ChunkConfig) error {
	if !r.channel.IsJoined() {
		return r.failed(newError(ErrChannelNotJoined, "", nil))
	}
	if err := r.session.Transition(StateFinishing); err != nil {
		return r.interrupted(ctx, err)
	}
	reply, err := r.channel.Push(ctx, protocol.EventFinished, nil, cfg.ChunkTimeout)
	if err != nil {
		return r.interrupted(ctx, err)
	}
	switch reply.Status {
	case protocol.StatusOK:
		if err := r.session.Transition(StateCompleted); err != nil {
			return r.interrupted(ctx, err)
		}
		r.report(1)
		r.logger.Info("upload completed", "bytes", r.session.Offset())
		return nil
	case protocol.StatusTimeout:
		r.logger.Warn("timed out finishing", "timeout", cfg.ChunkTimeout)
		return newError(ErrChunkTimeout, "finished", nil)
	default:
		return r.failed(newError(ErrChunkRejected, reply.Reason(), nil))
	}
}

func (r *upload) report(p float64) {
	p = r.session.SetProgress(p)
	if r.callbacks.Progress != nil {
		r.callbacks.Progress(p)
	}
}

// fail is the single-flight failure path. Only the first caller leaves the
// channel and notifies the caller.
func (r *upload) fail(err error) {
	if !r.session.Fail(err) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.channel != nil {
		r.channel.Leave()
	}
	r.logger.Warn("upload failed", "error", err)
	if r.callbacks.Error != nil {
		r.callbacks.Error(err)
	}
}

// failed runs the failure path and returns the error the session recorded,
// which may come from a concurrent detector.
func (r *upload) failed(err error) error {
	r.fail(err)
	if recorded := r.session.Err(); recorded != nil {
		return recorded
	}
	return err
}

// interrupted resolves a local push or transition error: a recorded failure
// wins, a cancelled context is a release rather than a failure, and anything
// else means the transport went away.
func (r *upload) interrupted(ctx context.Context, err error) error {
	if r.session.Errored() {
		return r.session.Err()
	}
	if ctx.Err() != nil {
		r.logger.Debug("upload released", "state", r.session.State(), "error", ctx.Err())
		return ctx.Err()
	}
	return r.failed(newError(ErrTransportClosed, "", err))
}

func uploadProgress(offset, size int64) float64 {
	p := 1.0
	if size > 0 {
		p = float64(offset) / float64(size)
	}
	if p > MaxStreamingProgress {
		p = MaxStreamingProgress
	}
	return p
}
