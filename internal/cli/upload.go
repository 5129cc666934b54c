// Package cli wires the transfer engines to the sealdrop HTTP API, the
// channel socket and the terminal.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sheerbytes/sealdrop/internal/clienthttp"
	"github.com/sheerbytes/sealdrop/internal/config"
	"github.com/sheerbytes/sealdrop/internal/progress"
	"github.com/sheerbytes/sealdrop/internal/streamcrypt"
	"github.com/sheerbytes/sealdrop/internal/transfer"
	"github.com/sheerbytes/sealdrop/internal/wsclient"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// UploadOptions select the file and how to encrypt it.
type UploadOptions struct {
	Path string
	// Encrypt requires a passphrase, prompting for one when none is configured.
	Encrypt bool
	Prompt  Prompter
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
}

// Upload sends the file at opts.Path to the server and returns the stored
// object's metadata.
func Upload(ctx context.Context, cfg config.ClientConfig, opts UploadOptions, logger *slog.Logger) (protocol.ObjectInfo, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return protocol.ObjectInfo{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return protocol.ObjectInfo{}, err
	}
	if info.IsDir() {
		return protocol.ObjectInfo{}, fmt.Errorf("%s is a directory", opts.Path)
	}
	name := filepath.Base(opts.Path)
	if err := transfer.ValidateName(name); err != nil {
		return protocol.ObjectInfo{}, err
	}

	pass := cfg.Passphrase
	var prompt Prompter
	if opts.Encrypt {
		prompt = opts.Prompt
	}
	pass, err = ResolvePassphrase(pass, prompt, true)
	if err != nil {
		return protocol.ObjectInfo{}, err
	}
	if opts.Encrypt && pass == "" {
		return protocol.ObjectInfo{}, transfer.ErrNoPassphrase
	}

	client := clienthttp.New(cfg.ServerURL)
	ticket, err := client.CreateUpload(ctx, protocol.UploadRequest{Name: name, Size: info.Size(), Encrypted: pass != ""})
	if err != nil {
		return protocol.ObjectInfo{}, fmt.Errorf("create upload: %w", err)
	}
	logger = logger.With("ref", ticket.Ref)
	logger.Debug("upload ticket received", "chunk_size", ticket.ChunkSize, "expires_at", ticket.ExpiresAt)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn, err := wsclient.Dial(ctx, client.SocketURL(), logger)
	if err != nil {
		return protocol.ObjectInfo{}, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	go conn.ReadLoop(ctx)

	uploader := transfer.NewUploader(conn, streamcrypt.NewOpenPGP(), nil, logger)
	uploader.SetJoinTimeout(cfg.JoinTimeout)

	var bar *progress.Bar
	if opts.Progress != nil {
		bar = progress.NewBar(opts.Progress, "Uploading", name, info.Size())
	}
	cb := transfer.UploadCallbacks{
		Progress: func(p float64) {
			if bar != nil {
				bar.Update(p)
			}
		},
	}

	err = uploader.Upload(ctx, transfer.UploadEntry{
		Ref:        ticket.Ref,
		Size:       info.Size(),
		Source:     f,
		Token:      ticket.Token,
		Passphrase: pass,
	}, uploadConfig(ticket, cfg), cb)
	if bar != nil {
		if err != nil {
			bar.Abort()
		} else {
			bar.Done()
		}
	}
	if errors.Is(err, transfer.ErrChunkTimeout) {
		return protocol.ObjectInfo{}, fmt.Errorf("upload stalled, server stopped acknowledging: %w", err)
	}
	if err != nil {
		return protocol.ObjectInfo{}, err
	}

	stored, err := client.Stat(ctx, ticket.Ref)
	if err != nil {
		return protocol.ObjectInfo{}, fmt.Errorf("stat uploaded object: %w", err)
	}
	return stored, nil
}

// uploadConfig negotiates chunking from the join reply, falling back to the
// ticket. A configured chunk timeout overrides the server's.
func uploadConfig(ticket protocol.UploadTicket, cfg config.ClientConfig) transfer.ConfigProvider {
	provider := transfer.JoinReplyConfig(transfer.ChunkConfigFrom(ticket.UploadConfig()))
	if cfg.ChunkTimeout <= 0 {
		return provider
	}
	return func(resp json.RawMessage) (transfer.ChunkConfig, error) {
		c, err := provider(resp)
		if err != nil {
			return c, err
		}
		c.ChunkTimeout = cfg.ChunkTimeout
		return c, nil
	}
}
