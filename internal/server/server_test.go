package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/sealdrop/internal/catalog"
	"github.com/sheerbytes/sealdrop/internal/clienthttp"
	"github.com/sheerbytes/sealdrop/internal/logging"
	"github.com/sheerbytes/sealdrop/internal/streamcrypt"
	"github.com/sheerbytes/sealdrop/internal/transfer"
	"github.com/sheerbytes/sealdrop/internal/wsclient"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	client *clienthttp.Client
	cat    *catalog.Catalog
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.ObjectsDir == "" {
		opts.ObjectsDir = t.TempDir()
	}
	if opts.MaxObjectSize == 0 {
		opts.MaxObjectSize = 1 << 20
	}
	if opts.UploadsPerMinute == 0 {
		opts.UploadsPerMinute = 100
	}
	if opts.Secret == nil {
		opts.Secret = []byte("test-secret")
	}
	cat, err := catalog.OpenInMemory()
	require.NoError(t, err)
	srv, err := New(opts, cat, logging.Discard())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		cat.Close()
	})
	return &testEnv{server: srv, http: ts, client: clienthttp.New(ts.URL), cat: cat}
}

func (e *testEnv) dial(t *testing.T) *wsclient.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := wsclient.Dial(ctx, e.client.SocketURL(), logging.Discard())
	require.NoError(t, err)
	go conn.ReadLoop(ctx)
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	return conn
}

func (e *testEnv) ticket(t *testing.T, name string, size int64) protocol.UploadTicket {
	t.Helper()
	ticket, err := e.client.CreateUpload(context.Background(), protocol.UploadRequest{Name: name, Size: size, Encrypted: true})
	require.NoError(t, err)
	return ticket
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t, Options{ChunkSize: 1024, ChunkTimeout: 2 * time.Second})
	ctx := context.Background()
	data := randomBytes(t, 10_000)

	ticket := env.ticket(t, "report.bin", int64(len(data)))
	assert.Equal(t, protocol.UploadTopic(ticket.Ref), ticket.Topic)
	assert.Equal(t, 1024, ticket.ChunkSize)

	var mu sync.Mutex
	var progress []float64
	uploader := transfer.NewUploader(env.dial(t), streamcrypt.NewOpenPGP(), nil, logging.Discard())
	err := uploader.Upload(ctx, transfer.UploadEntry{
		Ref:        ticket.Ref,
		Size:       int64(len(data)),
		Source:     bytes.NewReader(data),
		Token:      ticket.Token,
		Passphrase: "correct horse",
	}, transfer.JoinReplyConfig(transfer.ChunkConfigFrom(ticket.UploadConfig())), transfer.UploadCallbacks{
		Progress: func(p float64) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
		Error: func(err error) { t.Errorf("unexpected upload error: %v", err) },
	})
	require.NoError(t, err)
	mu.Lock()
	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])
	mu.Unlock()

	info, err := env.client.Stat(ctx, ticket.Ref)
	require.NoError(t, err)
	assert.Equal(t, "report.bin", info.Name)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.True(t, info.Encrypted)
	assert.Greater(t, info.StoredSize, int64(0))
	assert.Equal(t, env.http.URL+"/files/"+ticket.Ref, info.URL)

	rec, err := env.cat.Get(ticket.Ref)
	require.NoError(t, err)
	stored, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, rec.StoredSize, int64(len(stored)))
	assert.NotEqual(t, data, stored, "object is stored encrypted")

	dir := t.TempDir()
	downloader := transfer.NewDownloader(env.client, streamcrypt.NewOpenPGP(), dir, nil, logging.Discard())
	obj, err := downloader.Download(ctx, transfer.DownloadEntry{
		Ref:  info.Ref,
		URL:  info.URL,
		Name: info.Name,
		Size: info.Size,
	}, func() string { return "correct horse" }, transfer.DownloadHooks{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.bin"), obj.Path)
	got, err := os.ReadFile(obj.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFinishedUploadConsumesTicket(t *testing.T) {
	env := newTestEnv(t, Options{ChunkSize: 512})
	ctx := context.Background()
	ticket := env.ticket(t, "a.txt", 3)

	uploader := transfer.NewUploader(env.dial(t), nil, nil, logging.Discard())
	entry := transfer.UploadEntry{Ref: ticket.Ref, Size: 3, Source: bytes.NewReader([]byte("abc")), Token: ticket.Token}
	require.NoError(t, uploader.Upload(ctx, entry, nil, transfer.UploadCallbacks{}))

	entry.Source = bytes.NewReader([]byte("abc"))
	err := uploader.Upload(ctx, entry, nil, transfer.UploadCallbacks{})
	assert.ErrorIs(t, err, transfer.ErrChannelJoinFailed)
	assert.Equal(t, protocol.ReasonNotFound, transfer.Reason(err))

	body, err := env.client.Fetch(ctx, env.http.URL+"/files/"+ticket.Ref)
	require.NoError(t, err)
	defer body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", buf.String())
}

func TestJoinRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	ticket := env.ticket(t, "a.txt", 1)

	ch, err := env.dial(t).Channel(ticket.Topic, protocol.JoinParams{Token: "forged"})
	require.NoError(t, err)
	reply, err := ch.Join(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, protocol.ReasonUnauthorized, reply.Reason())
	assert.False(t, ch.IsJoined())
}

func TestJoinUnknownRef(t *testing.T) {
	env := newTestEnv(t, Options{})
	ch, err := env.dial(t).Channel(protocol.UploadTopic("nope"), protocol.JoinParams{Token: "x"})
	require.NoError(t, err)
	reply, err := ch.Join(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonNotFound, reply.Reason())
}

func TestSecondConnectionCannotJoinActiveUpload(t *testing.T) {
	env := newTestEnv(t, Options{})
	ticket := env.ticket(t, "a.txt", 1)
	params := protocol.JoinParams{Token: ticket.Token}

	first, err := env.dial(t).Channel(ticket.Topic, params)
	require.NoError(t, err)
	reply, err := first.Join(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, reply.OK())

	second, err := env.dial(t).Channel(ticket.Topic, params)
	require.NoError(t, err)
	reply, err = second.Join(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonAlreadyActive, reply.Reason())

	first.Leave()
	require.Eventually(t, func() bool {
		retry, err := env.dial(t).Channel(ticket.Topic, params)
		if err != nil {
			return false
		}
		reply, err := retry.Join(context.Background(), time.Second)
		return err == nil && reply.OK()
	}, 2*time.Second, 50*time.Millisecond)
}

func TestChunkBeyondLimitIsTooLarge(t *testing.T) {
	env := newTestEnv(t, Options{ChunkSize: 8, MaxObjectSize: 10})
	ticket := env.ticket(t, "a.txt", 5)

	var reported []error
	uploader := transfer.NewUploader(env.dial(t), nil, nil, logging.Discard())
	err := uploader.Upload(context.Background(), transfer.UploadEntry{
		Ref:    ticket.Ref,
		Size:   5,
		Source: bytes.NewReader(make([]byte, 20)),
		Token:  ticket.Token,
	}, nil, transfer.UploadCallbacks{Error: func(err error) { reported = append(reported, err) }})
	assert.ErrorIs(t, err, transfer.ErrChunkRejected)
	assert.Equal(t, protocol.ReasonTooLarge, transfer.Reason(err))
	assert.Len(t, reported, 1)

	_, err = env.client.Stat(context.Background(), ticket.Ref)
	assert.ErrorIs(t, err, clienthttp.ErrNotFound)
	assert.Eventually(t, func() bool { return dirEmpty(env.server.opts.ObjectsDir) }, 2*time.Second, 20*time.Millisecond,
		"partial upload is discarded")
}

func dirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

func TestTicketExpiryDuringUpload(t *testing.T) {
	env := newTestEnv(t, Options{TicketTTL: 300 * time.Millisecond})
	ticket := env.ticket(t, "a.txt", 1)

	ch, err := env.dial(t).Channel(ticket.Topic, protocol.JoinParams{Token: ticket.Token})
	require.NoError(t, err)
	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })
	reply, err := ch.Join(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, reply.OK())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, wsclient.ErrChannelErrored)
		assert.Contains(t, err.Error(), protocol.ReasonExpired)
	case <-time.After(3 * time.Second):
		t.Fatal("no phx_error after ticket expiry")
	}
	assert.Equal(t, 0, env.server.store.Count())
	assert.Eventually(t, func() bool { return env.server.expiry.pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCreateUploadValidation(t *testing.T) {
	env := newTestEnv(t, Options{MaxObjectSize: 10})
	ctx := context.Background()

	_, err := env.client.CreateUpload(ctx, protocol.UploadRequest{Name: "big", Size: 11})
	var se *clienthttp.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusRequestEntityTooLarge, se.Code)
	assert.Equal(t, protocol.ReasonTooLarge, se.Message)

	for _, name := range []string{"", "../etc", "a/b", "."} {
		_, err := env.client.CreateUpload(ctx, protocol.UploadRequest{Name: name, Size: 1})
		require.True(t, errors.As(err, &se), name)
		assert.Equal(t, http.StatusBadRequest, se.Code, name)
	}

	_, err = env.client.CreateUpload(ctx, protocol.UploadRequest{Name: "neg", Size: -1})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
}

func TestCreateUploadRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{UploadsPerMinute: 1})
	ctx := context.Background()

	_, err := env.client.CreateUpload(ctx, protocol.UploadRequest{Name: "a", Size: 1})
	require.NoError(t, err)
	_, err = env.client.CreateUpload(ctx, protocol.UploadRequest{Name: "b", Size: 1})
	var se *clienthttp.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["ok"])
}

func TestMissingObject(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.client.Stat(context.Background(), "missing")
	assert.ErrorIs(t, err, clienthttp.ErrNotFound)

	_, err = env.client.Fetch(context.Background(), env.http.URL+"/files/missing")
	assert.ErrorIs(t, err, clienthttp.ErrNotFound)
}

func TestPublicURLInObjectInfo(t *testing.T) {
	env := newTestEnv(t, Options{PublicURL: "https://drop.example.com"})
	require.NoError(t, env.cat.Put(catalog.Record{Ref: "r1", Name: "a.txt", Size: 1, CreatedAt: time.Now()}))

	info, err := env.client.Stat(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "https://drop.example.com/files/r1", info.URL)
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, Options{MaxConns: 1})
	env.dial(t)

	_, err := wsclient.Dial(context.Background(), env.client.SocketURL(), logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDisconnectDiscardsUpload(t *testing.T) {
	env := newTestEnv(t, Options{})
	ticket := env.ticket(t, "a.txt", 4)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := wsclient.Dial(ctx, env.client.SocketURL(), logging.Discard())
	require.NoError(t, err)
	go conn.ReadLoop(ctx)

	ch, err := conn.Channel(ticket.Topic, protocol.JoinParams{Token: ticket.Token})
	require.NoError(t, err)
	_, err = ch.Join(ctx, time.Second)
	require.NoError(t, err)
	reply, err := ch.Push(ctx, protocol.EventChunk, []byte("ab"), time.Second)
	require.NoError(t, err)
	require.True(t, reply.OK())

	cancel()
	conn.Close()

	require.Eventually(t, func() bool {
		env.server.mu.Lock()
		defer env.server.mu.Unlock()
		return len(env.server.uploads) == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return dirEmpty(env.server.opts.ObjectsDir) }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, env.server.store.Count(), "ticket survives for a retry")
}

func TestMissingFileDropsRecord(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.cat.Put(catalog.Record{
		Ref:       "gone",
		Name:      "a.txt",
		Size:      1,
		Path:      filepath.Join(env.server.opts.ObjectsDir, "gone"),
		CreatedAt: time.Now(),
	}))

	_, err := env.client.Fetch(context.Background(), env.http.URL+"/files/gone")
	assert.ErrorIs(t, err, clienthttp.ErrNotFound)
	_, err = env.cat.Get("gone")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
