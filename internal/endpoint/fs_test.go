package endpoint

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/syncfast/internal/chunker"
	"github.com/prxssh/syncfast/internal/digest"
	"github.com/prxssh/syncfast/internal/errkind"
	"github.com/prxssh/syncfast/internal/index"
	"github.com/prxssh/syncfast/internal/indexer"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("index.Open() error = %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

// driveSync is a minimal, non-concurrent stand-in for the Sync Engine
// driver loop of spec.md §4.10, sufficient to exercise FsSource/FsSink
// together without pulling in the engine package.
func driveSync(t *testing.T, src *FsSource, dst Sink) {
	t.Helper()
	ctx := context.Background()

	instructions := true
	for instructions || dst.IsMissingBlocks() {
		if dst.HasPendingRequest() {
			d := dst.NextPendingRequest()
			if err := src.RequestBlock(ctx, d); err != nil {
				t.Fatalf("RequestBlock() error = %v", err)
			}
			continue
		}
		if src.HasBlockReady() {
			d, data, err := src.NextBlock(ctx)
			if err != nil {
				t.Fatalf("NextBlock() error = %v", err)
			}
			if err := dst.FeedBlock(ctx, d, data); err != nil {
				t.Fatalf("FeedBlock() error = %v", err)
			}
			continue
		}
		if src.HasIndexEvent() {
			ev, err := src.NextIndexEvent(ctx)
			if err != nil {
				t.Fatalf("NextIndexEvent() error = %v", err)
			}
			if err := dst.FeedIndexEvent(ctx, ev); err != nil {
				t.Fatalf("FeedIndexEvent() error = %v", err)
			}
			if ev.Kind == EndOfFiles {
				instructions = false
			}
			continue
		}
		if !instructions && !dst.IsMissingBlocks() {
			break
		}
		t.Fatal("driveSync: no progress possible and termination condition unmet")
	}
}

func TestFsSinkFreshCopyNoCacheHits(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := "aaaabbbbccccZZ"
	if err := os.WriteFile(filepath.Join(srcDir, "f1"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := chunker.Config{Bits: 30, MaxSize: 4}
	srcIx := newTestIndex(t)
	if err := indexer.New(srcIx, cfg, nil).IndexPath(context.Background(), srcDir); err != nil {
		t.Fatalf("IndexPath(src) error = %v", err)
	}

	dstIx := newTestIndex(t)
	ctx := context.Background()

	source, err := OpenFsSource(ctx, srcIx, srcDir, cfg, nil)
	if err != nil {
		t.Fatalf("OpenFsSource() error = %v", err)
	}
	defer source.Close()

	sink, err := OpenFsSink(ctx, dstIx, dstDir, cfg, nil)
	if err != nil {
		t.Fatalf("OpenFsSink() error = %v", err)
	}

	driveSync(t, source, sink)

	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "f1"))
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if string(got) != content {
		t.Errorf("destination content = %q, want %q", got, content)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "f1.part")); !os.IsNotExist(err) {
		t.Errorf("f1.part still present after finalization")
	}
}

func TestFsSinkSecondSyncTransfersNoBlocks(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := "the quick brown fox jumps over the lazy dog repeatedly and at length"
	if err := os.WriteFile(filepath.Join(srcDir, "f1"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := chunker.Config{Bits: 6, MaxSize: 4096}
	ctx := context.Background()

	runOnce := func() {
		srcIx := newTestIndex(t)
		if err := indexer.New(srcIx, cfg, nil).IndexPath(ctx, srcDir); err != nil {
			t.Fatalf("IndexPath(src) error = %v", err)
		}

		dstIx, err := index.Open(filepath.Join(dstDir, ".idx.db"), nil)
		if err != nil {
			t.Fatalf("index.Open(dst) error = %v", err)
		}
		defer dstIx.Close()
		if err := indexer.New(dstIx, cfg, nil).IndexPath(ctx, dstDir); err != nil {
			t.Fatalf("IndexPath(dst) error = %v", err)
		}

		source, err := OpenFsSource(ctx, srcIx, srcDir, cfg, nil)
		if err != nil {
			t.Fatalf("OpenFsSource() error = %v", err)
		}
		defer source.Close()

		sink, err := OpenFsSink(ctx, dstIx, dstDir, cfg, nil)
		if err != nil {
			t.Fatalf("OpenFsSink() error = %v", err)
		}

		driveSync(t, source, sink)

		if err := sink.Close(); err != nil {
			t.Fatalf("sink.Close() error = %v", err)
		}
	}

	runOnce()
	got, err := os.ReadFile(filepath.Join(dstDir, "f1"))
	if err != nil {
		t.Fatalf("read destination after first sync: %v", err)
	}
	if string(got) != content {
		t.Fatalf("destination after first sync = %q, want %q", got, content)
	}

	// Second sync should round-trip cleanly with the destination already
	// holding every block as a cache hit. We only assert observable
	// behavior here (idempotent content), since counting zero DATA
	// frames requires the engine/protocol layer wired end to end.
	runOnce()
	got, err = os.ReadFile(filepath.Join(dstDir, "f1"))
	if err != nil {
		t.Fatalf("read destination after second sync: %v", err)
	}
	if string(got) != content {
		t.Fatalf("destination after second sync = %q, want %q", got, content)
	}
}

func TestFsSinkDuplicateDeliveryIsDropped(t *testing.T) {
	dstDir := t.TempDir()
	dstIx := newTestIndex(t)
	ctx := context.Background()
	cfg := chunker.Config{Bits: 6, MaxSize: 4096}

	sink, err := OpenFsSink(ctx, dstIx, dstDir, cfg, nil)
	if err != nil {
		t.Fatalf("OpenFsSink() error = %v", err)
	}

	if err := sink.FeedIndexEvent(ctx, IndexEvent{Kind: NewFile, Path: "f", MTime: time.Now()}); err != nil {
		t.Fatalf("FeedIndexEvent(NewFile) error = %v", err)
	}

	d := digest.Sum([]byte("unrequested"))
	if err := sink.FeedBlock(ctx, d, []byte("unrequested")); err != nil {
		t.Fatalf("FeedBlock() on unrequested digest expected no error, got %v", err)
	}
	if sink.IsMissingBlocks() {
		t.Error("IsMissingBlocks() = true after dropping an unneeded block, want false")
	}

	if err := sink.FeedIndexEvent(ctx, IndexEvent{Kind: EndOfFiles}); err != nil {
		t.Fatalf("FeedIndexEvent(EndOfFiles) error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dstDir, "f")); err != nil {
		t.Errorf("expected f to be finalized with zero bytes: %v", err)
	}
}

func TestFsSourceUnknownBlockIsFatal(t *testing.T) {
	srcDir := t.TempDir()
	srcIx := newTestIndex(t)
	ctx := context.Background()
	cfg := chunker.Config{Bits: 6, MaxSize: 4096}

	source, err := OpenFsSource(ctx, srcIx, srcDir, cfg, nil)
	if err != nil {
		t.Fatalf("OpenFsSource() error = %v", err)
	}

	d := digest.Sum([]byte("never indexed"))
	if err := source.RequestBlock(ctx, d); err != nil {
		t.Fatal(err)
	}
	_, _, err = source.NextBlock(ctx)
	if err == nil {
		t.Fatal("NextBlock() for an unknown digest expected error, got nil")
	}
	if !errors.Is(err, errkind.Reference) {
		t.Errorf("NextBlock() error = %v, want errors.Is(err, errkind.Reference)", err)
	}
}

func TestWriteBlockAtNonSequentialOffsets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := writeBlockAt(f, 4, []byte("BBBB")); err != nil {
		t.Fatal(err)
	}
	if err := writeBlockAt(f, 0, []byte("AAAA")); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("AAAABBBB")) {
		t.Errorf("file content = %q, want %q", got, "AAAABBBB")
	}
}
