package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prxssh/syncfast/internal/chunker"
	"github.com/prxssh/syncfast/internal/digest"
	"github.com/prxssh/syncfast/internal/index"
	"github.com/prxssh/syncfast/internal/indexer"
)

// tempFile is one file currently being written, keyed by its Index file_id
// (doubling as the arena id spec.md §9 describes): a refcount of
// outstanding PendingBlockSlots, finalized into its destination name once
// the count reaches zero and the owning NewFile's end has been announced.
type tempFile struct {
	id           int64
	f            *os.File
	tempPath     string
	destName     string
	outstanding  int
	endAnnounced bool
}

type pendingSlot struct {
	tf     *tempFile
	offset int64
}

// FsSink is the resumable writer of spec.md §4.7: it writes into
// `<name>.part` siblings of each destination file and promotes them via
// rename once every block they need has arrived, so a killed run leaves
// resumable partial state behind rather than a half-written destination
// file.
type FsSink struct {
	tx   *index.Tx
	cfg  chunker.Config
	root string
	log  *slog.Logger

	current       *tempFile
	currentOffset int64

	waiting   map[digest.Digest][]pendingSlot
	toRequest []digest.Digest
}

// OpenFsSink opens a Sink writing under root. The returned Sink holds one
// Index transaction for its entire lifetime, committed by Close — a
// crash before Close leaves the transaction uncommitted, but the `.part`
// bytes already written to disk are rediscovered by re-chunking them on
// the next run (spec.md §4.7 step 5), so nothing is lost.
func OpenFsSink(ctx context.Context, ix *index.Index, root string, cfg chunker.Config, log *slog.Logger) (*FsSink, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fs-sink")

	tx, err := ix.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &FsSink{
		tx:      tx,
		cfg:     cfg,
		root:    root,
		log:     log,
		waiting: make(map[digest.Digest][]pendingSlot),
	}, nil
}

func (s *FsSink) HasPendingRequest() bool {
	return len(s.toRequest) > 0
}

func (s *FsSink) NextPendingRequest() digest.Digest {
	d := s.toRequest[0]
	s.toRequest = s.toRequest[1:]
	return d
}

func (s *FsSink) IsMissingBlocks() bool {
	return len(s.waiting) > 0
}

func (s *FsSink) FeedIndexEvent(ctx context.Context, ev IndexEvent) error {
	switch ev.Kind {
	case NewFile:
		return s.onNewFile(ev.Path, ev.MTime)
	case NewBlock:
		return s.onNewBlock(ev.Digest, ev.Size)
	case EndOfFiles:
		return s.endCurrent()
	default:
		return fmt.Errorf("endpoint: unknown index event kind %v", ev.Kind)
	}
}

// onNewFile implements spec.md §4.7's NewFile handler.
func (s *FsSink) onNewFile(name string, mtime time.Time) error {
	if err := s.endCurrent(); err != nil {
		return err
	}

	tempName := name + ".part"
	tempPath := filepath.Join(s.root, filepath.FromSlash(tempName))

	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return fmt.Errorf("endpoint: mkdir for %s: %w", tempPath, err)
	}

	preexisted := true
	if _, err := os.Stat(tempPath); os.IsNotExist(err) {
		preexisted = false
	} else if err != nil {
		return fmt.Errorf("endpoint: stat %s: %w", tempPath, err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("endpoint: open %s: %w", tempPath, err)
	}

	fileID, err := s.tx.UpsertFile(tempName, mtime)
	if err != nil {
		f.Close()
		return err
	}

	if preexisted {
		// Step 5: the .part file survives from a prior aborted run;
		// re-chunk it in place so its existing bytes become reusable
		// cache-hit candidates in onNewBlock below.
		if _, err := indexer.ChunkAndApply(s.tx, tempPath, tempName, mtime, s.cfg); err != nil {
			f.Close()
			return err
		}
		s.log.Info("fs_sink.resume", "path", tempName)
	}

	s.current = &tempFile{id: fileID, f: f, tempPath: tempPath, destName: name}
	s.currentOffset = 0
	return nil
}

// onNewBlock implements spec.md §4.7's NewBlock handler.
func (s *FsSink) onNewBlock(d digest.Digest, size int64) error {
	if s.current == nil {
		return errors.New("endpoint: NewBlock with no current file")
	}

	path, offset, _, ok, err := s.tx.GetBlock(d)
	if err != nil {
		return err
	}

	offsetHere := s.currentOffset
	s.currentOffset += size

	if ok {
		data, err := chunker.ReadBlock(filepath.Join(s.root, filepath.FromSlash(path)), offset, s.cfg)
		if err != nil {
			return fmt.Errorf("endpoint: cache-hit read %s: %w", path, err)
		}
		if err := writeBlockAt(s.current.f, offsetHere, data); err != nil {
			return err
		}
		return s.tx.ReplaceBlock(d, s.current.id, offsetHere, int64(len(data)))
	}

	slot := pendingSlot{tf: s.current, offset: offsetHere}
	if _, waiting := s.waiting[d]; !waiting {
		s.toRequest = append(s.toRequest, d)
	}
	s.waiting[d] = append(s.waiting[d], slot)
	s.current.outstanding++
	return nil
}

// FeedBlock implements spec.md §4.7's feed_block handler.
func (s *FsSink) FeedBlock(ctx context.Context, d digest.Digest, data []byte) error {
	slots, ok := s.waiting[d]
	if !ok {
		// Unneeded/duplicate delivery (spec.md §8 E6): log and drop.
		s.log.Warn("fs_sink.unneeded_block", "digest", d)
		return nil
	}
	delete(s.waiting, d)

	for _, slot := range slots {
		if err := writeBlockAt(slot.tf.f, slot.offset, data); err != nil {
			return err
		}
		if err := s.tx.ReplaceBlock(d, slot.tf.id, slot.offset, int64(len(data))); err != nil {
			return err
		}
		slot.tf.outstanding--
		if err := s.finalize(slot.tf); err != nil {
			return err
		}
	}
	return nil
}

// endCurrent records that the current file's blocks have all been
// announced (a following NewFile or EndOfFiles) and finalizes it if no
// slot is still outstanding.
func (s *FsSink) endCurrent() error {
	if s.current == nil {
		return nil
	}
	s.current.endAnnounced = true
	return s.finalize(s.current)
}

// finalize renames tf's temp file into place once its outstanding slot
// count has reached zero and its owning NewFile's end has been announced.
// A nil tf, or one not yet eligible, is a no-op.
func (s *FsSink) finalize(tf *tempFile) error {
	if tf == nil {
		return nil
	}
	if tf.outstanding > 0 || !tf.endAnnounced {
		return nil
	}

	if err := tf.f.Close(); err != nil {
		return fmt.Errorf("endpoint: close %s: %w", tf.tempPath, err)
	}

	destPath := filepath.Join(s.root, filepath.FromSlash(tf.destName))
	if err := os.Rename(tf.tempPath, destPath); err != nil {
		return fmt.Errorf("endpoint: rename %s to %s: %w", tf.tempPath, destPath, err)
	}
	if err := s.tx.MoveFile(tf.id, tf.destName); err != nil {
		return err
	}

	s.log.Info("fs_sink.finalized", "path", tf.destName)
	if tf == s.current {
		s.current = nil
	}
	return nil
}

func writeBlockAt(f *os.File, offset int64, data []byte) error {
	if _, err := f.WriteAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("endpoint: write at offset %d: %w", offset, err)
	}
	return nil
}

// Close commits the Sink's Index transaction. The last in-progress file,
// if any, is left as a `.part` file: it is only promoted by an EndOfFiles
// event, never by Close itself.
func (s *FsSink) Close() error {
	return s.tx.Commit()
}
