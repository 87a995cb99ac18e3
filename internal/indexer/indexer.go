// Package indexer walks a directory tree and populates an Index with the
// content-defined blocks of every regular file under it (spec.md §4.4),
// grounded on original_source's index_path/remove_missing_files pairing,
// using a bounded errgroup for the CPU-bound chunking fan-out.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/syncfast/internal/chunker"
	"github.com/prxssh/syncfast/internal/digest"
	"github.com/prxssh/syncfast/internal/index"
)

// Indexer chunks files into an Index.
type Indexer struct {
	ix         *index.Index
	cfg        chunker.Config
	log        *slog.Logger
	maxWorkers int
}

// New returns an Indexer writing into ix, chunking with cfg.
func New(ix *index.Index, cfg chunker.Config, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{ix: ix, cfg: cfg, log: log.With("component", "indexer")}
}

// WithMaxWorkers overrides the concurrency bound chunkAll uses for
// CPU-bound fan-out; n <= 0 leaves the GOMAXPROCS default in place.
func (idx *Indexer) WithMaxWorkers(n int) *Indexer {
	if n > 0 {
		idx.maxWorkers = n
	}
	return idx
}

type fileWork struct {
	relPath string
	absPath string
	mtime   time.Time
}

type fileResult struct {
	work   fileWork
	blocks []index.BlockEntry
}

// IndexPath enumerates the regular files under root, chunking any whose
// mtime (truncated to whole seconds, per spec.md §8 round-trip property)
// differs from what's on record, and commits the whole update as a single
// transaction.
func (idx *Indexer) IndexPath(ctx context.Context, root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("indexer: resolve root %s: %w", root, err)
	}

	work, err := discover(root)
	if err != nil {
		return fmt.Errorf("indexer: walk %s: %w", root, err)
	}

	tx, err := idx.ix.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pending, err := idx.filterUnchanged(tx, work)
	if err != nil {
		return err
	}

	results, err := idx.chunkAll(ctx, pending)
	if err != nil {
		return err
	}

	for _, res := range results {
		if err := idx.apply(tx, res); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// discover walks root and returns every regular file found, with paths
// relative to root.
func discover(root string) ([]fileWork, error) {
	var out []fileWork
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		out = append(out, fileWork{
			relPath: filepath.ToSlash(rel),
			absPath: path,
			mtime:   info.ModTime().Truncate(time.Second),
		})
		return nil
	})
	return out, err
}

// filterUnchanged drops files whose recorded mtime already matches disk,
// per spec.md §4.4's skip-if-unchanged rule, and clears stale block rows
// for everything that needs re-chunking.
func (idx *Indexer) filterUnchanged(tx *index.Tx, work []fileWork) ([]fileWork, error) {
	existing, err := tx.ListFiles()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]index.FileEntry, len(existing))
	for _, fe := range existing {
		byPath[fe.Path] = fe
	}

	pending := make([]fileWork, 0, len(work))
	for _, w := range work {
		fe, ok := byPath[w.relPath]
		if ok && fe.Modified.Equal(w.mtime) {
			idx.log.Debug("indexer.skip.unchanged", "path", w.relPath)
			continue
		}
		if ok {
			if err := tx.RemoveBlocksForFile(fe.ID); err != nil {
				return nil, err
			}
		}
		pending = append(pending, w)
	}
	return pending, nil
}

// chunkAll computes the block list for each pending file concurrently,
// bounded to GOMAXPROCS workers (or idx.maxWorkers, if set) via errgroup.
// Chunking is read-only I/O plus hashing, so it is safe to run off the
// single Index transaction.
func (idx *Indexer) chunkAll(ctx context.Context, pending []fileWork) ([]fileResult, error) {
	results := make([]fileResult, len(pending))

	limit := idx.maxWorkers
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, limit))

	for i, w := range pending {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			blocks, err := chunkFile(w.absPath, idx.cfg)
			if err != nil {
				return fmt.Errorf("indexer: chunk %s: %w", w.relPath, err)
			}
			results[i] = fileResult{work: w, blocks: blocks}
			idx.log.Debug("indexer.chunked", "path", w.relPath, "blocks", len(blocks))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func chunkFile(path string, cfg chunker.Config) ([]index.BlockEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		blocks []index.BlockEntry
		offset int64
	)

	sp := chunker.NewSplitter(f, cfg)
	for {
		b, err := sp.Next()
		if err != nil {
			break
		}
		blocks = append(blocks, index.BlockEntry{
			Digest: digest.Sum(b),
			Offset: offset,
			Size:   int64(len(b)),
		})
		offset += int64(len(b))
	}
	return blocks, nil
}

// apply writes one file's chunked result into the transaction.
func (idx *Indexer) apply(tx *index.Tx, res fileResult) error {
	_, err := applyBlocks(tx, res.work.relPath, res.work.mtime, res.blocks)
	return err
}

// ChunkAndApply chunks absPath and writes its blocks into tx under relPath,
// replacing any blocks already recorded for that path. It is exported for
// the filesystem Sink, which re-chunks a surviving `.part` file in place
// before resuming into it (spec.md §4.7 step 5).
func ChunkAndApply(tx *index.Tx, absPath, relPath string, mtime time.Time, cfg chunker.Config) (int64, error) {
	blocks, err := chunkFile(absPath, cfg)
	if err != nil {
		return 0, fmt.Errorf("indexer: chunk %s: %w", relPath, err)
	}
	return applyBlocks(tx, relPath, mtime, blocks)
}

func applyBlocks(tx *index.Tx, relPath string, mtime time.Time, blocks []index.BlockEntry) (int64, error) {
	fileID, err := tx.UpsertFile(relPath, mtime)
	if err != nil {
		return 0, err
	}
	for _, b := range blocks {
		if err := tx.ReplaceBlock(b.Digest, fileID, b.Offset, b.Size); err != nil {
			return 0, err
		}
	}
	return fileID, nil
}

// RemoveMissingFiles deletes index entries whose paths no longer exist
// under root, per spec.md §4.4.
func (idx *Indexer) RemoveMissingFiles(ctx context.Context, root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("indexer: resolve root %s: %w", root, err)
	}

	tx, err := idx.ix.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	files, err := tx.ListFiles()
	if err != nil {
		return err
	}

	for _, fe := range files {
		abs := filepath.Join(root, filepath.FromSlash(fe.Path))
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			idx.log.Info("indexer.remove_missing", "path", fe.Path)
			if err := tx.RemoveFile(fe.Path); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return fmt.Errorf("indexer: stat %s: %w", abs, err)
		}
	}

	return tx.Commit()
}
