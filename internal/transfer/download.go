package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sheerbytes/sealdrop/internal/bufpool"
	"github.com/sheerbytes/sealdrop/internal/streamcrypt"
)

const copyBufferSize = 64 * 1024

// DownloadEntry identifies a remote object and its declared plaintext size.
type DownloadEntry struct {
	Ref  string
	URL  string
	Name string
	Size int64
}

// PassphraseSource yields the passphrase at the moment a download starts.
type PassphraseSource func() string

// DownloadHooks bind a download to its caller. Setup and Teardown run once
// each around every started download, Teardown also on failure.
type DownloadHooks struct {
	Setup    func()
	Teardown func()
	Progress func(fraction float64)
	Error    func(err error)
}

// Object is a fully materialized download.
type Object struct {
	Ref  string
	Name string
	Path string
	Size int64
}

// Open opens the materialized file for reading.
func (o *Object) Open() (*os.File, error) {
	return os.Open(o.Path)
}

// Downloader fetches remote objects, decrypts them while streaming, and
// writes the plaintext into a local directory.
type Downloader struct {
	fetcher  Fetcher
	cipher   streamcrypt.Adapter
	registry *Registry
	dir      string
	buffers  *bufpool.Pools
	logger   *slog.Logger
}

// NewDownloader creates a downloader writing into dir. A nil registry gets a private one.
func NewDownloader(fetcher Fetcher, cipher streamcrypt.Adapter, dir string, registry *Registry, logger *slog.Logger) *Downloader {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Downloader{
		fetcher:  fetcher,
		cipher:   cipher,
		registry: registry,
		dir:      dir,
		buffers:  bufpool.NewPools(),
		logger:   logger,
	}
}

// Download retrieves entry and returns the materialized plaintext.
// An empty passphrase aborts with ErrNoPassphrase before any network access
// and without running the hooks.
func (d *Downloader) Download(ctx context.Context, entry DownloadEntry, passphrase PassphraseSource, hooks DownloadHooks) (*Object, error) {
	pass := ""
	if passphrase != nil {
		pass = strings.TrimSpace(passphrase())
	}
	if pass == "" {
		return nil, ErrNoPassphrase
	}
	name := entry.Name
	if ValidateName(name) != nil {
		name = entry.Ref
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	session, release, err := d.registry.Acquire(entry.Ref, KindDownload)
	if err != nil {
		return nil, err
	}
	defer release()

	if hooks.Setup != nil {
		hooks.Setup()
	}
	if hooks.Teardown != nil {
		defer hooks.Teardown()
	}
	logger := d.logger.With("ref", entry.Ref)
	report := func(p float64) {
		p = session.SetProgress(p)
		if hooks.Progress != nil {
			hooks.Progress(p)
		}
	}

	if err := session.Transition(StateStreaming); err != nil {
		return nil, err
	}
	report(0)

	obj, err := d.run(ctx, entry, name, pass, report)
	if err != nil {
		if session.Fail(err) {
			logger.Warn("download failed", "error", err)
			if hooks.Error != nil {
				hooks.Error(err)
			}
		}
		return nil, err
	}
	if err := session.Transition(StateCompleted); err != nil {
		return nil, err
	}
	logger.Info("download completed", "bytes", obj.Size, "path", obj.Path)
	return obj, nil
}

func (d *Downloader) run(ctx context.Context, entry DownloadEntry, name, pass string, report func(float64)) (*Object, error) {
	if entry.Size == 0 {
		obj, err := d.materialize(entry.Ref, name, bytes.NewReader(nil))
		if err != nil {
			return nil, err
		}
		report(1)
		return obj, nil
	}

	body, err := d.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		return nil, newError(ErrStreamReadFailed, "", err)
	}
	defer body.Close()

	plaintext, err := d.cipher.DecryptStream(&sourceReader{r: body}, pass)
	if err != nil {
		return nil, classifyReadError(err)
	}

	counted := &countingReader{r: plaintext, size: entry.Size, onRead: report}
	return d.materialize(entry.Ref, name, counted)
}

// materialize drains r into dir/name through a temp file.
func (d *Downloader) materialize(ref, name string, r io.Reader) (*Object, error) {
	f, err := os.CreateTemp(d.dir, "."+name+".part-*")
	if err != nil {
		return nil, newError(ErrMaterializeFailed, "", err)
	}
	tmpPath := f.Name()
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	buf := d.buffers.Get(copyBufferSize)
	defer d.buffers.Put(buf)

	var written int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return nil, newError(ErrMaterializeFailed, "", err)
			}
			written += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, classifyReadError(readErr)
		}
	}

	if err := f.Close(); err != nil {
		return nil, newError(ErrMaterializeFailed, "", err)
	}
	finalPath := filepath.Join(d.dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, newError(ErrMaterializeFailed, "", err)
	}
	committed = true
	return &Object{Ref: ref, Name: name, Path: finalPath, Size: written}, nil
}

// sourceError marks failures of the underlying byte stream so they are not
// mistaken for decryption failures after passing through the cipher.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

type sourceReader struct {
	r io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &sourceError{err: err}
	}
	return n, err
}

func classifyReadError(err error) error {
	var se *sourceError
	if errors.As(err, &se) {
		return newError(ErrStreamReadFailed, "", se.err)
	}
	return newError(ErrDecryptionFailed, "", err)
}

// countingReader reports counter/size after every block it produces and
// before handing the block on.
type countingReader struct {
	r      io.Reader
	size   int64
	read   int64
	onRead func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.onRead != nil {
			c.onRead(downloadProgress(c.read, c.size))
		}
	}
	return n, err
}

func downloadProgress(read, size int64) float64 {
	if size <= 0 {
		return 1
	}
	p := float64(read) / float64(size)
	if p > 1 {
		p = 1
	}
	return p
}
