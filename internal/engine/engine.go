// Package engine drives one sync between a Source and a Sink (spec.md
// §4.10), grounded on original_source's do_sync and built as a bounded
// priority-polling event loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/prxssh/syncfast/internal/endpoint"
)

// Engine runs the priority-polling loop that moves index events and block
// data from a Source to a Sink.
type Engine struct {
	log         *slog.Logger
	bytesMoved  int64
	blocksMoved int64
}

// New returns an Engine that logs through log.
func New(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log.With("component", "engine")}
}

// Run drives src and dst to completion or until ctx is cancelled. Work is
// polled in a fixed priority order each iteration — pending block request,
// then ready block data, then index event — so that bandwidth is spent on
// whichever kind of progress is available rather than starving one stream
// behind another (spec.md §4.10's stated rationale).
func (e *Engine) Run(ctx context.Context, src endpoint.Source, dst endpoint.Sink) error {
	instructions := true

	for instructions || dst.IsMissingBlocks() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch {
		case dst.HasPendingRequest():
			d := dst.NextPendingRequest()
			if err := src.RequestBlock(ctx, d); err != nil {
				return fmt.Errorf("engine: request block %s: %w", d, err)
			}

		case src.HasBlockReady():
			d, data, err := src.NextBlock(ctx)
			if err != nil {
				return fmt.Errorf("engine: read block %s: %w", d, err)
			}
			if err := dst.FeedBlock(ctx, d, data); err != nil {
				return fmt.Errorf("engine: feed block %s: %w", d, err)
			}
			e.bytesMoved += int64(len(data))
			e.blocksMoved++

		case src.HasIndexEvent():
			ev, err := src.NextIndexEvent(ctx)
			if err != nil {
				return fmt.Errorf("engine: read index event: %w", err)
			}
			if err := dst.FeedIndexEvent(ctx, ev); err != nil {
				return fmt.Errorf("engine: feed index event: %w", err)
			}
			if ev.Kind == endpoint.EndOfFiles {
				instructions = false
				e.log.Debug("engine.index_stream_exhausted")
			}

		default:
			// Nothing pollable without blocking is available from any of
			// the three sources; block on whichever produces the next
			// event. A polling loop like this one is acceptable here
			// because each Has* check above is itself non-blocking and
			// cheap (an in-memory queue length check or a channel
			// select-default), so this path only spins while every
			// underlying stream is also idle.
			if err := e.awaitProgress(ctx, src, dst, &instructions); err != nil {
				return err
			}
		}
	}

	e.log.Info("engine.sync_complete",
		"blocks_transferred", e.blocksMoved,
		"bytes_transferred", humanize.Bytes(uint64(e.bytesMoved)),
	)
	return nil
}

// awaitProgress blocks on whichever of the three streams produces the next
// event when none was immediately available, applying it the same way the
// main loop's cases do.
func (e *Engine) awaitProgress(ctx context.Context, src endpoint.Source, dst endpoint.Sink, instructions *bool) error {
	if !*instructions {
		// Only waiting on dst.IsMissingBlocks() to clear; that can only
		// change via a FeedBlock triggered by a block becoming ready, so
		// wait on the source's block stream.
		d, data, err := src.NextBlock(ctx)
		if err != nil {
			return fmt.Errorf("engine: read block %s: %w", d, err)
		}
		if err := dst.FeedBlock(ctx, d, data); err != nil {
			return err
		}
		e.bytesMoved += int64(len(data))
		e.blocksMoved++
		return nil
	}

	ev, err := src.NextIndexEvent(ctx)
	if err != nil {
		return fmt.Errorf("engine: read index event: %w", err)
	}
	if err := dst.FeedIndexEvent(ctx, ev); err != nil {
		return fmt.Errorf("engine: feed index event: %w", err)
	}
	if ev.Kind == endpoint.EndOfFiles {
		*instructions = false
		e.log.Debug("engine.index_stream_exhausted")
	}
	return nil
}
