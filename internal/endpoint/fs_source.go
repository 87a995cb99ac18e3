package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prxssh/syncfast/internal/chunker"
	"github.com/prxssh/syncfast/internal/digest"
	"github.com/prxssh/syncfast/internal/errkind"
	"github.com/prxssh/syncfast/internal/index"
)

type snapshotFile struct {
	entry     index.FileEntry
	blocks    []index.BlockEntry
	announced bool
}

// FsSource serves the files and blocks recorded in an Index from the local
// filesystem, per spec.md §4.8: it snapshots list_files/list_file_blocks on
// open, and replays them in order.
type FsSource struct {
	ix  *index.Index
	cfg chunker.Config
	log *slog.Logger

	files    []snapshotFile
	fileIdx  int
	blockIdx int
	done     bool
	root     string

	queued []digest.Digest
}

// OpenFsSource snapshots ix's current contents for serving as a Source.
// root is the directory the Index's paths are relative to; NextBlock joins
// it back on to resolve a block's source file.
func OpenFsSource(ctx context.Context, ix *index.Index, root string, cfg chunker.Config, log *slog.Logger) (*FsSource, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fs-source")

	tx, err := ix.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	files, err := tx.ListFiles()
	if err != nil {
		return nil, err
	}

	snapshot := make([]snapshotFile, len(files))
	for i, fe := range files {
		blocks, err := tx.ListFileBlocks(fe.ID)
		if err != nil {
			return nil, err
		}
		snapshot[i] = snapshotFile{entry: fe, blocks: blocks}
	}

	return &FsSource{ix: ix, cfg: cfg, log: log, files: snapshot, root: root}, nil
}

func (s *FsSource) HasIndexEvent() bool {
	return !s.done
}

func (s *FsSource) NextIndexEvent(ctx context.Context) (IndexEvent, error) {
	for s.fileIdx < len(s.files) {
		fb := &s.files[s.fileIdx]
		if !fb.announced {
			fb.announced = true
			return IndexEvent{Kind: NewFile, Path: fb.entry.Path, MTime: fb.entry.Modified}, nil
		}
		if s.blockIdx < len(fb.blocks) {
			b := fb.blocks[s.blockIdx]
			s.blockIdx++
			return IndexEvent{Kind: NewBlock, Digest: b.Digest, Size: b.Size}, nil
		}
		s.fileIdx++
		s.blockIdx = 0
	}
	s.done = true
	return IndexEvent{Kind: EndOfFiles}, nil
}

func (s *FsSource) RequestBlock(ctx context.Context, d digest.Digest) error {
	s.queued = append(s.queued, d)
	return nil
}

func (s *FsSource) HasBlockReady() bool {
	return len(s.queued) > 0
}

func (s *FsSource) NextBlock(ctx context.Context) (digest.Digest, []byte, error) {
	d := s.queued[0]
	s.queued = s.queued[1:]

	tx, err := s.ix.Begin(ctx)
	if err != nil {
		return d, nil, err
	}
	defer tx.Rollback()

	path, offset, _, ok, err := tx.GetBlock(d)
	if err != nil {
		return d, nil, err
	}
	if !ok {
		return d, nil, fmt.Errorf("endpoint: unknown block requested %s: %w", d, errkind.Reference)
	}

	data, err := chunker.ReadBlock(s.rootJoin(path), offset, s.cfg)
	if err != nil {
		return d, nil, fmt.Errorf("endpoint: read block %s from %s: %w", d, path, err)
	}
	s.log.Debug("fs_source.serve_block", "digest", d, "path", path, "offset", offset)
	return d, data, nil
}

// rootJoin resolves a path recorded in the Index (relative to the indexed
// tree) back to a real filesystem path.
func (s *FsSource) rootJoin(path string) string {
	if s.root == "" {
		return path
	}
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *FsSource) Close() error { return nil }
