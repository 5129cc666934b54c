package cli

import (
	"context"
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
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// DownloadOptions select the object to fetch.
type DownloadOptions struct {
	Ref    string
	Prompt Prompter
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
}

// Download fetches the object opts.Ref into cfg.OutDir. Encrypted objects
// are decrypted while streaming and need a passphrase.
func Download(ctx context.Context, cfg config.ClientConfig, opts DownloadOptions, logger *slog.Logger) (*transfer.Object, error) {
	client := clienthttp.New(cfg.ServerURL)
	info, err := client.Stat(ctx, opts.Ref)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", opts.Ref, err)
	}
	logger = logger.With("ref", info.Ref)

	if !info.Encrypted {
		return savePlain(ctx, client, info, cfg.OutDir, opts.Progress)
	}

	pass, err := ResolvePassphrase(cfg.Passphrase, opts.Prompt, false)
	if err != nil {
		return nil, err
	}

	var bar *progress.Bar
	hooks := transfer.DownloadHooks{
		Setup: func() {
			if opts.Progress != nil {
				bar = progress.NewBar(opts.Progress, "Downloading", info.Name, info.Size)
			}
		},
		Progress: func(p float64) {
			if bar != nil {
				bar.Update(p)
			}
		},
		Error: func(err error) {
			if bar != nil {
				bar.Abort()
			}
		},
		Teardown: func() {
			if bar != nil {
				bar.Done()
			}
		},
	}

	downloader := transfer.NewDownloader(client, streamcrypt.NewOpenPGP(), cfg.OutDir, nil, logger)
	obj, err := downloader.Download(ctx, transfer.DownloadEntry{
		Ref:  info.Ref,
		URL:  info.URL,
		Name: info.Name,
		Size: info.Size,
	}, func() string { return pass }, hooks)
	if errors.Is(err, transfer.ErrDecryptionFailed) {
		return nil, fmt.Errorf("%w (wrong passphrase?)", err)
	}
	return obj, err
}

// savePlain stores an unencrypted object as is.
func savePlain(ctx context.Context, client *clienthttp.Client, info protocol.ObjectInfo, dir string, w io.Writer) (*transfer.Object, error) {
	name := info.Name
	if transfer.ValidateName(name) != nil {
		name = info.Ref
	}
	body, err := client.Fetch(ctx, info.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", info.Ref, err)
	}
	defer body.Close()

	f, err := os.CreateTemp(dir, "."+name+".part-*")
	if err != nil {
		return nil, err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	var src io.Reader = body
	var bar *progress.Bar
	if w != nil {
		bar = progress.NewBar(w, "Downloading", name, info.Size)
		src = &barReader{r: body, bar: bar, size: info.Size}
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if bar != nil {
			bar.Abort()
		}
		return nil, fmt.Errorf("save %s: %w", info.Ref, err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	if bar != nil {
		bar.Update(1)
		bar.Done()
	}
	return &transfer.Object{Ref: info.Ref, Name: name, Path: path, Size: n}, nil
}

type barReader struct {
	r    io.Reader
	bar  *progress.Bar
	size int64
	read int64
}

func (b *barReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 && b.size > 0 {
		b.read += int64(n)
		b.bar.Update(float64(b.read) / float64(b.size))
	}
	return n, err
}
