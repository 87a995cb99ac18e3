// Package config defines the runtime tunables shared by syncfast's
// subcommands: chunker defaults, Index retry/concurrency behavior, and the
// SSH transport's remote invocation.
package config

import (
	"log/slog"
	"time"

	"github.com/prxssh/syncfast/internal/chunker"
	"github.com/prxssh/syncfast/internal/index"
	"github.com/prxssh/syncfast/internal/indexer"
)

// Config collects the tunables of a syncfast invocation. WithDefaultConfig
// returns one with every field set to its default; no CLI flag changes
// these fields.
type Config struct {
	// ========== Chunker ==========

	// ChunkerBits is ZPAQ_BITS: average block size is 2^ChunkerBits
	// bytes. See internal/chunker.
	ChunkerBits uint

	// ChunkerMaxBlockSize caps a single block regardless of the
	// content-defined predicate.
	ChunkerMaxBlockSize int

	// ========== Index ==========

	// IndexBeginMaxAttempts bounds how many times Index.Begin retries
	// opening a transaction against a SQLITE_BUSY writer contention error
	// before giving up.
	IndexBeginMaxAttempts int

	// IndexBeginInitialDelay is the first backoff delay between retries
	// of Index.Begin.
	IndexBeginInitialDelay time.Duration

	// IndexBeginMaxDelay caps the exponential backoff between retries of
	// Index.Begin.
	IndexBeginMaxDelay time.Duration

	// ========== SSH transport ==========

	// RemoteBinary is the syncfast binary invoked on the far end of an
	// SSH-backed sync, running its remote-send/remote-recv subcommand.
	RemoteBinary string

	// ========== Indexer concurrency ==========

	// MaxChunkWorkers bounds how many files the indexer chunks
	// concurrently. Zero means GOMAXPROCS.
	MaxChunkWorkers int
}

// WithDefaultConfig returns sensible defaults for a syncfast invocation.
func WithDefaultConfig() *Config {
	return &Config{
		ChunkerBits:            chunker.DefaultBits,
		ChunkerMaxBlockSize:    chunker.MaxBlockSize,
		IndexBeginMaxAttempts:  5,
		IndexBeginInitialDelay: 20 * time.Millisecond,
		IndexBeginMaxDelay:     500 * time.Millisecond,
		RemoteBinary:           "syncfast",
		MaxChunkWorkers:        0,
	}
}

// ChunkerConfig extracts the subset of Config the chunker package needs.
func (c *Config) ChunkerConfig() chunker.Config {
	return chunker.Config{Bits: c.ChunkerBits, MaxSize: c.ChunkerMaxBlockSize}
}

// ApplyToIndex pushes the Index-specific tunables onto an already-open
// Index.
func (c *Config) ApplyToIndex(ix *index.Index) {
	ix.SetRetryConfig(c.IndexBeginMaxAttempts, c.IndexBeginInitialDelay, c.IndexBeginMaxDelay)
}

// NewIndexer builds an Indexer over ix using this Config's chunker and
// concurrency settings.
func (c *Config) NewIndexer(ix *index.Index, log *slog.Logger) *indexer.Indexer {
	return indexer.New(ix, c.ChunkerConfig(), log).WithMaxWorkers(c.MaxChunkWorkers)
}
