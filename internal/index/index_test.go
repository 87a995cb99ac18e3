package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/syncfast/internal/digest"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestUpsertFileInsertsThenUpdates(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	m1 := time.Now().Truncate(time.Second)
	id1, err := tx.UpsertFile("a.txt", m1)
	if err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	m2 := m1.Add(time.Hour)
	id2, err := tx.UpsertFile("a.txt", m2)
	if err != nil {
		t.Fatalf("UpsertFile() second call error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("UpsertFile() changed file_id across updates: %d != %d", id1, id2)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	tx2, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx2.Rollback()

	files, err := tx2.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("ListFiles() returned %d entries, want 1", len(files))
	}
	if !files[0].Modified.Equal(m2) {
		t.Errorf("Modified = %v, want %v", files[0].Modified, m2)
	}
}

func TestAddBlockRejectsDuplicateOffset(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	fileID, err := tx.UpsertFile("f", time.Now())
	if err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	d := digest.Sum([]byte("block one"))
	if err := tx.AddBlock(d, fileID, 0, 9); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}

	d2 := digest.Sum([]byte("different bytes!"))
	if err := tx.AddBlock(d2, fileID, 0, 16); err == nil {
		t.Error("AddBlock() at an existing (file_id, offset) expected error, got nil")
	}
}

func TestReplaceBlockUpserts(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	fileID, err := tx.UpsertFile("f", time.Now())
	if err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	d1 := digest.Sum([]byte("first"))
	if err := tx.ReplaceBlock(d1, fileID, 100, 5); err != nil {
		t.Fatalf("ReplaceBlock() first error = %v", err)
	}

	d2 := digest.Sum([]byte("second!"))
	if err := tx.ReplaceBlock(d2, fileID, 100, 7); err != nil {
		t.Fatalf("ReplaceBlock() second error = %v", err)
	}

	blocks, err := tx.ListFileBlocks(fileID)
	if err != nil {
		t.Fatalf("ListFileBlocks() error = %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("ListFileBlocks() returned %d rows, want 1", len(blocks))
	}
	if blocks[0].Digest != d2 || blocks[0].Size != 7 {
		t.Errorf("ListFileBlocks()[0] = %+v, want digest=%v size=7", blocks[0], d2)
	}
}

func TestGetBlockFindsLocation(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	fileID, err := tx.UpsertFile("dir/f.bin", time.Now())
	if err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	d := digest.Sum([]byte("payload"))
	if err := tx.AddBlock(d, fileID, 42, 7); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}

	path, offset, size, ok, err := tx.GetBlock(d)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if !ok {
		t.Fatal("GetBlock() ok = false, want true")
	}
	if path != "dir/f.bin" || offset != 42 || size != 7 {
		t.Errorf("GetBlock() = (%q, %d, %d), want (dir/f.bin, 42, 7)", path, offset, size)
	}

	_, _, _, ok, err = tx.GetBlock(digest.Sum([]byte("never added")))
	if err != nil {
		t.Fatalf("GetBlock() unknown digest error = %v", err)
	}
	if ok {
		t.Error("GetBlock() unknown digest: ok = true, want false")
	}
}

func TestRemoveFileCascadesBlocks(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	fileID, err := tx.UpsertFile("gone.txt", time.Now())
	if err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}
	d := digest.Sum([]byte("x"))
	if err := tx.AddBlock(d, fileID, 0, 1); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}

	if err := tx.RemoveFile("gone.txt"); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}

	_, _, _, ok, err := tx.GetBlock(d)
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	if ok {
		t.Error("GetBlock() after RemoveFile: ok = true, want false (cascade delete)")
	}

	files, err := tx.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ListFiles() returned %d entries, want 0", len(files))
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := tx.UpsertFile("ephemeral", time.Now()); err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	// Rollback after Rollback must be a no-op, not an error.
	if err := tx.Rollback(); err != nil {
		t.Fatalf("second Rollback() error = %v", err)
	}

	tx2, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx2.Rollback()

	files, err := tx2.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ListFiles() after rollback returned %d entries, want 0", len(files))
	}
}

func TestListFileBlocksOrderedByOffset(t *testing.T) {
	ix := openTest(t)
	ctx := context.Background()

	tx, err := ix.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	fileID, err := tx.UpsertFile("ordered", time.Now())
	if err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	offsets := []int64{30, 0, 15}
	for _, off := range offsets {
		d := digest.Sum([]byte{byte(off)})
		if err := tx.AddBlock(d, fileID, off, 1); err != nil {
			t.Fatalf("AddBlock(offset=%d) error = %v", off, err)
		}
	}

	blocks, err := tx.ListFileBlocks(fileID)
	if err != nil {
		t.Fatalf("ListFileBlocks() error = %v", err)
	}
	want := []int64{0, 15, 30}
	if len(blocks) != len(want) {
		t.Fatalf("ListFileBlocks() returned %d rows, want %d", len(blocks), len(want))
	}
	for i, off := range want {
		if blocks[i].Offset != off {
			t.Errorf("blocks[%d].Offset = %d, want %d", i, blocks[i].Offset, off)
		}
	}
}
