package transfer

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

const (
	maxFilenameLength = 256
	// MaxObjectSize bounds a single stored object.
	MaxObjectSize = 10 * 1024 * 1024 * 1024 * 1024 // 10TB
)

// Stored describes an object committed by a Receiver.
type Stored struct {
	Path  string
	Size  int64
	CRC32 uint32
}

// Receiver is the endpoint side of an upload: it appends acknowledged chunks
// to a partial file and commits it under the entry ref once the uploader
// sends finished.
type Receiver struct {
	mu      sync.Mutex
	dir     string
	ref     string
	limit   int64
	file    *os.File
	crc     hash.Hash32
	written int64
	closed  bool
}

// NewReceiver creates the partial file for ref in dir. limit bounds the
// stored size; zero or less means MaxObjectSize.
func NewReceiver(dir, ref string, limit int64) (*Receiver, error) {
	if err := ValidateName(ref); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxObjectSize {
		limit = MaxObjectSize
	}
	f, err := os.CreateTemp(dir, "."+ref+".part-*")
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	return &Receiver{
		dir:   dir,
		ref:   ref,
		limit: limit,
		file:  f,
		crc:   crc32.NewIEEE(),
	}, nil
}

// Write appends p and returns the new offset.
func (r *Receiver) Write(p []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.written, ErrReceiverClosed
	}
	if r.written+int64(len(p)) > r.limit {
		return r.written, ErrFileSizeTooLarge
	}
	n, err := r.file.Write(p)
	r.crc.Write(p[:n])
	r.written += int64(n)
	if err != nil {
		return r.written, fmt.Errorf("write chunk: %w", err)
	}
	return r.written, nil
}

// Written returns the number of bytes stored so far.
func (r *Receiver) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Commit syncs the partial file and moves it to its final path.
func (r *Receiver) Commit() (Stored, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Stored{}, ErrReceiverClosed
	}
	r.closed = true
	tmp := r.file.Name()
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		os.Remove(tmp)
		return Stored{}, fmt.Errorf("sync partial file: %w", err)
	}
	if err := r.file.Close(); err != nil {
		os.Remove(tmp)
		return Stored{}, fmt.Errorf("close partial file: %w", err)
	}
	final := filepath.Join(r.dir, r.ref)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return Stored{}, fmt.Errorf("commit object: %w", err)
	}
	return Stored{Path: final, Size: r.written, CRC32: r.crc.Sum32()}, nil
}

// Abort discards the partial file. It is a no-op after Commit.
func (r *Receiver) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	tmp := r.file.Name()
	r.file.Close()
	os.Remove(tmp)
}

// RejectReason maps a receiver error to the reason sent back to the uploader.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return protocol.ReasonDiskFull
	case errors.Is(err, ErrFileSizeTooLarge):
		return protocol.ReasonTooLarge
	default:
		return protocol.ReasonWriteFailed
	}
}

// ValidateName ensures name is a plain base name that is safe to join onto
// a storage directory.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidFilename
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidFilename
	}
	if name == "." || name == ".." {
		return ErrInvalidFilename
	}
	if len(name) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	return nil
}
