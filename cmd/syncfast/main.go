// Command syncfast is the CLI entry point: index, sync, and the
// remote-recv/remote-send wrappers an SSH-backed sync spawns on the far
// end (spec.md §6), wired with github.com/spf13/cobra the way the wider
// pack's CLI tools (restic, rclone, desync) structure their subcommands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/prxssh/syncfast/internal/config"
	"github.com/prxssh/syncfast/internal/endpoint"
	"github.com/prxssh/syncfast/internal/engine"
	"github.com/prxssh/syncfast/internal/errkind"
	"github.com/prxssh/syncfast/internal/index"
	"github.com/prxssh/syncfast/internal/location"
	"github.com/prxssh/syncfast/internal/logging"
)

// exitCode mirrors spec.md §6: 0 success, 1 runtime failure, 2 argument
// error.
const (
	exitOK       = 0
	exitRuntime  = 1
	exitArgError = 2
)

var verbosity int

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitErr carries an explicit exit code alongside the error cobra prints.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitErr
	if ok := asExitErr(err, &ee); ok {
		return ee.code
	}
	// Every RunE wraps its own failures in an exitErr, so an error without
	// one comes from cobra itself: a bad flag, a wrong argument count or an
	// unknown subcommand.
	return exitArgError
}

func asExitErr(err error, target **exitErr) bool {
	for err != nil {
		if ee, ok := err.(*exitErr); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "syncfast",
		Short:        "Content-defined-chunking file sync",
		SilenceUsage: true,
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	root.AddCommand(newIndexCmd(), newSyncCmd(), newRemoteRecvCmd(), newRemoteSendCmd())
	return root
}

func defaultIndexPath(root string) string {
	return root + "/.syncfast.idx"
}

func newIndexCmd() *cobra.Command {
	var indexFile string

	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "(Re)index a directory tree into its sidecar store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.Setup(verbosity)
			path := args[0]
			if indexFile == "" {
				indexFile = defaultIndexPath(path)
			}

			cfg := config.WithDefaultConfig()
			ix, err := index.Open(indexFile, log)
			if err != nil {
				return &exitErr{exitRuntime, fmt.Errorf("open index %s: %w", indexFile, err)}
			}
			defer ix.Close()
			cfg.ApplyToIndex(ix)

			idx := cfg.NewIndexer(ix, log)
			if err := idx.IndexPath(cmd.Context(), path); err != nil {
				return &exitErr{exitRuntime, err}
			}
			if err := idx.RemoveMissingFiles(cmd.Context(), path); err != nil {
				return &exitErr{exitRuntime, err}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&indexFile, "index-file", "x", "", "path to the sidecar index file (default <path>/.syncfast.idx)")
	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <source> <destination>",
		Short: "Sync a source tree into a destination tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.Setup(verbosity)
			ctx := cmd.Context()
			cfg := config.WithDefaultConfig()

			srcLoc, ok := location.Parse(args[0])
			if !ok {
				return &exitErr{exitArgError, fmt.Errorf("invalid source location %q", args[0])}
			}
			dstLoc, ok := location.Parse(args[1])
			if !ok {
				return &exitErr{exitArgError, fmt.Errorf("invalid destination location %q", args[1])}
			}

			src, closeSrc, err := openSource(ctx, cfg, srcLoc, log)
			if err != nil {
				return &exitErr{exitRuntime, err}
			}
			defer closeSrc()

			dst, closeDst, err := openSink(ctx, cfg, dstLoc, log)
			if err != nil {
				return &exitErr{exitRuntime, err}
			}
			defer closeDst()

			if err := engine.New(log).Run(ctx, src, dst); err != nil {
				return &exitErr{exitRuntime, err}
			}
			return nil
		},
	}
	return cmd
}

// openSource opens a Source for loc, returning a cleanup func separate
// from the Source's own Close so local index handles opened alongside it
// (e.g. the filesystem Index) are released too.
func openSource(ctx context.Context, cfg *config.Config, loc location.Location, log *slog.Logger) (endpoint.Source, func(), error) {
	switch loc.Kind {
	case location.Local:
		ix, err := index.Open(defaultIndexPath(loc.LocalPath), log)
		if err != nil {
			return nil, nil, fmt.Errorf("open source index: %w", err)
		}
		cfg.ApplyToIndex(ix)
		if err := cfg.NewIndexer(ix, log).RemoveMissingFiles(ctx, loc.LocalPath); err != nil {
			ix.Close()
			return nil, nil, fmt.Errorf("prune source index: %w", err)
		}
		src, err := endpoint.OpenFsSource(ctx, ix, loc.LocalPath, cfg.ChunkerConfig(), log)
		if err != nil {
			ix.Close()
			return nil, nil, fmt.Errorf("open filesystem source: %w", err)
		}
		return src, func() { src.Close(); ix.Close() }, nil

	case location.Ssh:
		src, err := endpoint.OpenSSHSource(ctx, endpoint.SshTarget(loc.Ssh), cfg.RemoteBinary, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open ssh source: %w", err)
		}
		return src, func() { src.Close() }, nil

	case location.Http:
		return nil, nil, fmt.Errorf("http source: %w", errkind.Unsupported)

	default:
		return nil, nil, fmt.Errorf("unsupported source location kind %v", loc.Kind)
	}
}

// openSink mirrors openSource for the write side of a sync.
func openSink(ctx context.Context, cfg *config.Config, loc location.Location, log *slog.Logger) (endpoint.Sink, func(), error) {
	switch loc.Kind {
	case location.Local:
		ix, err := index.Open(defaultIndexPath(loc.LocalPath), log)
		if err != nil {
			return nil, nil, fmt.Errorf("open destination index: %w", err)
		}
		cfg.ApplyToIndex(ix)
		if err := cfg.NewIndexer(ix, log).RemoveMissingFiles(ctx, loc.LocalPath); err != nil {
			ix.Close()
			return nil, nil, fmt.Errorf("prune destination index: %w", err)
		}
		dst, err := endpoint.OpenFsSink(ctx, ix, loc.LocalPath, cfg.ChunkerConfig(), log)
		if err != nil {
			ix.Close()
			return nil, nil, fmt.Errorf("open filesystem sink: %w", err)
		}
		return dst, func() { dst.Close(); ix.Close() }, nil

	case location.Ssh:
		dst, err := endpoint.OpenSSHSink(ctx, endpoint.SshTarget(loc.Ssh), cfg.RemoteBinary, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open ssh sink: %w", err)
		}
		return dst, func() { dst.Close() }, nil

	case location.Http:
		return nil, nil, fmt.Errorf("http destination: %w", errkind.Unsupported)

	default:
		return nil, nil, fmt.Errorf("unsupported destination location kind %v", loc.Kind)
	}
}

// newRemoteRecvCmd implements the far end of an SSH-backed sync whose
// local side is writing: this process is the Sink, speaking the wire
// protocol over stdin/stdout.
func newRemoteRecvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "remote-recv <destination>",
		Short:  "Internal: run as a wire-protocol sink over stdio",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.Setup(verbosity)
			ctx := cmd.Context()
			cfg := config.WithDefaultConfig()
			path := args[0]

			ix, err := index.Open(defaultIndexPath(path), log)
			if err != nil {
				return &exitErr{exitRuntime, err}
			}
			defer ix.Close()
			cfg.ApplyToIndex(ix)
			if err := cfg.NewIndexer(ix, log).RemoveMissingFiles(ctx, path); err != nil {
				return &exitErr{exitRuntime, err}
			}

			dst, err := endpoint.OpenFsSink(ctx, ix, path, cfg.ChunkerConfig(), log)
			if err != nil {
				return &exitErr{exitRuntime, err}
			}
			defer dst.Close()

			wire := endpoint.NewStdioSource(os.Stdout, os.Stdin, log)
			defer wire.Close()

			if err := pumpStdioSink(ctx, wire, dst); err != nil {
				return &exitErr{exitRuntime, err}
			}
			return nil
		},
	}
	return cmd
}

// newRemoteSendCmd implements the far end of an SSH-backed sync whose
// local side is pulling: this process is the Source, speaking the wire
// protocol over stdin/stdout.
func newRemoteSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "remote-send <source>",
		Short:  "Internal: run as a wire-protocol source over stdio",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.Setup(verbosity)
			ctx := cmd.Context()
			cfg := config.WithDefaultConfig()
			path := args[0]

			ix, err := index.Open(defaultIndexPath(path), log)
			if err != nil {
				return &exitErr{exitRuntime, err}
			}
			defer ix.Close()
			cfg.ApplyToIndex(ix)
			if err := cfg.NewIndexer(ix, log).RemoveMissingFiles(ctx, path); err != nil {
				return &exitErr{exitRuntime, err}
			}

			src, err := endpoint.OpenFsSource(ctx, ix, path, cfg.ChunkerConfig(), log)
			if err != nil {
				return &exitErr{exitRuntime, err}
			}
			defer src.Close()

			wire := endpoint.NewStdioSink(os.Stdout, os.Stdin, log)
			defer wire.Close()

			if err := pumpStdioSource(ctx, wire, src); err != nil {
				return &exitErr{exitRuntime, err}
			}
			return nil
		},
	}
	return cmd
}

// pumpStdioSink drives the local filesystem Sink from the wire Source
// exposed on stdio, the mirror image of engine.Engine.Run's role for the
// half of the duplex this process owns: it only ever feeds dst, and its
// own outgoing requests are driven by dst's pending-request queue.
func pumpStdioSink(ctx context.Context, wire *endpoint.WireSource, dst endpoint.Sink) error {
	return engine.New(nil).Run(ctx, wire, dst)
}

// pumpStdioSource drives the wire Sink exposed on stdio from the local
// filesystem Source: requests arriving over stdio get satisfied from src,
// and src's index/block streams get forwarded out over stdio.
func pumpStdioSource(ctx context.Context, wire *endpoint.WireSink, src endpoint.Source) error {
	return engine.New(nil).Run(ctx, src, wire)
}
