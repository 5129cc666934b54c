package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/sealdrop/internal/cli"
	"github.com/sheerbytes/sealdrop/internal/config"
	"github.com/sheerbytes/sealdrop/internal/logging"
)

const version = "v0.1.0"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sealdrop",
		Short: "Upload and download files through a sealdrop server",
		Long: `sealdrop streams files to a sealdropd server in acknowledged chunks and
fetches them back. With a passphrase the file is encrypted before it leaves
this machine and decrypted while it is downloaded.

Examples:
  sealdrop upload ./report.pdf --encrypt
  sealdrop download <ref> --out-dir ./downloads`,
		Version:      version,
		SilenceUsage: true,
	}
	config.BindClientFlags(root.PersistentFlags())
	root.AddCommand(newUploadCmd(), newDownloadCmd())
	return root
}

func newUploadCmd() *cobra.Command {
	var encrypt bool
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadClient(cmd)
			if err != nil {
				return err
			}
			info, err := cli.Upload(cmd.Context(), cfg, cli.UploadOptions{
				Path:     args[0],
				Encrypt:  encrypt,
				Prompt:   cli.TerminalPrompter(os.Stdin, os.Stderr),
				Progress: progressWriter(cfg),
			}, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ref:  %s\nname: %s\nurl:  %s\n", info.Ref, info.Name, info.URL)
			if info.Encrypted {
				fmt.Fprintf(cmd.OutOrStdout(), "download with: sealdrop download %s\n", info.Ref)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt the file, prompting for a passphrase if none is configured")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <ref>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadClient(cmd)
			if err != nil {
				return err
			}
			obj, err := cli.Download(cmd.Context(), cfg, cli.DownloadOptions{
				Ref:      args[0],
				Prompt:   cli.TerminalPrompter(os.Stdin, os.Stderr),
				Progress: progressWriter(cfg),
			}, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", obj.Path, obj.Size)
			return nil
		},
	}
}

func loadClient(cmd *cobra.Command) (config.ClientConfig, *slog.Logger, error) {
	cfg, err := config.LoadClientConfig(cmd.Flags())
	if err != nil {
		return config.ClientConfig{}, nil, err
	}
	return cfg, logging.New("sealdrop", cfg.LogLevel, cfg.LogFormat), nil
}

func progressWriter(cfg config.ClientConfig) io.Writer {
	if cfg.NoProgress {
		return nil
	}
	return os.Stderr
}
