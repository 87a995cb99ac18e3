// Package endpoint implements the Source and Sink roles of a sync (spec.md
// §4.6-§4.9): the two ends exchanged over the wire by the Sync Engine. A
// Source walks its Index and emits the files and blocks it holds, serving
// block requests on demand; a Sink consumes that stream, writing bytes it
// doesn't already have and requesting the ones it's missing.
package endpoint

import (
	"context"
	"time"

	"github.com/prxssh/syncfast/internal/digest"
)

// IndexEventKind discriminates IndexEvent.
type IndexEventKind int

const (
	NewFile IndexEventKind = iota
	NewBlock
	EndOfFiles
)

func (k IndexEventKind) String() string {
	switch k {
	case NewFile:
		return "NewFile"
	case NewBlock:
		return "NewBlock"
	case EndOfFiles:
		return "EndOfFiles"
	default:
		return "Unknown"
	}
}

// IndexEvent is one step of a Source's file/block announcement stream,
// spec.md §4.6's NewFile/NewBlock/End trio. Ordering guarantee: NewFile
// precedes all NewBlock events for that file, in ascending offset order;
// EndOfFiles is the last event of the stream.
type IndexEvent struct {
	Kind IndexEventKind

	Path  string    // NewFile
	MTime time.Time // NewFile

	Digest digest.Digest // NewBlock
	Size   int64         // NewBlock
}

// Source is the pull side of a sync: it owns an Index of files and blocks
// and serves them to a Sink on request. The single SourceEvent enum of
// spec.md §4.6 is split here into two independently-pollable streams — an
// index-event stream and a satisfied-block-request stream — because the
// Sync Engine's driver loop (spec.md §4.10) polls and prioritizes between
// them separately.
type Source interface {
	// RequestBlock enqueues a request for the block with digest d. For a
	// remote Source this may write to the wire and block if the
	// connection's buffers are full; for a local Source it only appends
	// to an in-memory queue.
	RequestBlock(ctx context.Context, d digest.Digest) error

	// HasBlockReady reports, without blocking, whether a previously
	// requested block is ready to be pulled via NextBlock.
	HasBlockReady() bool
	// NextBlock pulls one ready block's bytes. It may block on disk I/O
	// or on a remote decoder channel. A digest with no matching block in
	// the Source's Index is fatal: it indicates source index corruption
	// or deletion during the sync (spec.md §4.8).
	NextBlock(ctx context.Context) (digest.Digest, []byte, error)

	// HasIndexEvent reports, without blocking, whether another
	// NewFile/NewBlock/EndOfFiles event is ready.
	HasIndexEvent() bool
	// NextIndexEvent pulls the next index-stream event. May block on disk
	// I/O or on a remote decoder channel.
	NextIndexEvent(ctx context.Context) (IndexEvent, error)

	Close() error
}

// Sink is the push side of a sync: it consumes a Source's index-event and
// block streams, writing bytes it doesn't already have.
type Sink interface {
	// HasPendingRequest reports whether there's a block request waiting
	// to be sent to the Source.
	HasPendingRequest() bool
	// NextPendingRequest dequeues the next digest to request. Must only
	// be called when HasPendingRequest is true.
	NextPendingRequest() digest.Digest

	// FeedIndexEvent processes one event from a Source's index stream.
	FeedIndexEvent(ctx context.Context, ev IndexEvent) error
	// FeedBlock processes bytes delivered for a previously-requested
	// digest. A digest with no waiting slot is logged and discarded, per
	// spec.md §8 E6 — not an error.
	FeedBlock(ctx context.Context, d digest.Digest, data []byte) error

	// IsMissingBlocks reports whether the Sink is still waiting on any
	// requested block; the driver loop terminates once this is false and
	// the index stream is exhausted.
	IsMissingBlocks() bool

	Close() error
}
