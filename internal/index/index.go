// Package index implements the persistent relational store mapping
// digests to block locations and paths to file metadata (spec.md §4.3,
// §6). It is backed by SQLite via github.com/mattn/go-sqlite3, following
// the wider pack's convention (rclone, modctl) for a lightweight
// file-local relational sidecar rather than a server-backed database.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/prxssh/syncfast/internal/digest"
	"github.com/prxssh/syncfast/pkg/retry"
)

const schemaVersion = "0.1"

const schema = `
CREATE TABLE version (
	name    TEXT NOT NULL,
	version TEXT NOT NULL
);
INSERT INTO version(name, version) VALUES ('syncfast', '` + schemaVersion + `');

CREATE TABLE files (
	file_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	modified DATETIME NOT NULL
);
CREATE INDEX idx_files_name ON files(name);

CREATE TABLE blocks (
	hash    TEXT NOT NULL,
	file_id INTEGER NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
	offset  INTEGER NOT NULL,
	size    INTEGER NOT NULL,
	PRIMARY KEY (file_id, offset)
);
CREATE INDEX idx_blocks_hash ON blocks(hash);
CREATE INDEX idx_blocks_file ON blocks(file_id);
`

// FileEntry is one row of the files table.
type FileEntry struct {
	ID       int64
	Path     string
	Modified time.Time
}

// BlockEntry is one row of the blocks table.
type BlockEntry struct {
	Digest digest.Digest
	Offset int64
	Size   int64
}

// Index is a persistent store mapping digest -> block location and path ->
// file metadata. One Index owns one SQLite connection exclusively; there is
// no support for sharing it across processes beyond SQLite's own file
// locking.
type Index struct {
	db        *sql.DB
	log       *slog.Logger
	retryOpts []retry.Option
}

// Open opens the index at path, creating its schema if the file doesn't
// already exist.
func Open(path string, log *slog.Logger) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "index", "path", path)

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one writer at a time, per spec.md §3 Index Concurrency

	var haveVersion int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='version'`).Scan(&haveVersion)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: inspect schema: %w", err)
	}

	if haveVersion == 0 {
		log.Warn("index.schema.create")
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: create schema: %w", err)
		}
	}

	ix := &Index{db: db, log: log}
	ix.retryOpts = retry.WithExponentialBackoff(5, 20*time.Millisecond, 500*time.Millisecond)
	return ix, nil
}

// SetRetryConfig overrides how Begin backs off against SQLITE_BUSY
// contention; callers typically source these from config.Config.
func (ix *Index) SetRetryConfig(maxAttempts int, initialDelay, maxDelay time.Duration) {
	ix.retryOpts = retry.WithExponentialBackoff(maxAttempts, initialDelay, maxDelay)
}

// Close releases the underlying connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Tx is a single read/write transaction against the Index. All mutating
// operations in spec.md §4.3 occur through a Tx; commit is explicit, and
// Rollback is safe to call after a successful Commit (it becomes a no-op).
type Tx struct {
	tx  *sql.Tx
	log *slog.Logger
}

// Begin starts a new transaction, retrying on transient SQLITE_BUSY
// contention with pkg/retry's exponential backoff.
func (ix *Index) Begin(ctx context.Context) (*Tx, error) {
	var tx *sql.Tx
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		tx, err = ix.db.BeginTx(ctx, nil)
		return err
	}, ix.retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("index: begin transaction: %w", err)
	}
	return &Tx{tx: tx, log: ix.log}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op if the transaction has
// already been committed or rolled back, so callers can unconditionally
// `defer tx.Rollback()` right after Begin.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("index: rollback: %w", err)
	}
	return nil
}

// UpsertFile inserts or updates a file entry by path, returning its
// file_id. It plays the role of both add_file and add_file_overwrite in
// spec.md §4.3/§4.7: on conflict it updates modified and keeps the row's
// existing blocks, which is exactly what the resumable writer needs when a
// `.part` file survives across a new NewFile for the same destination path.
func (t *Tx) UpsertFile(path string, modified time.Time) (int64, error) {
	_, err := t.tx.Exec(`
		INSERT INTO files(name, modified) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET modified = excluded.modified
	`, path, modified.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("index: upsert file %s: %w", path, err)
	}

	// The id is looked up by name rather than taken from LastInsertId,
	// which SQLite leaves at an earlier insert's value when the upsert
	// takes its UPDATE branch.
	var fileID int64
	if err := t.tx.QueryRow(`SELECT file_id FROM files WHERE name = ?`, path).Scan(&fileID); err != nil {
		return 0, fmt.Errorf("index: lookup file_id for %s: %w", path, err)
	}
	return fileID, nil
}

// RemoveFile deletes a file entry and every block row referencing it.
func (t *Tx) RemoveFile(path string) error {
	if _, err := t.tx.Exec(`DELETE FROM files WHERE name = ?`, path); err != nil {
		return fmt.Errorf("index: remove file %s: %w", path, err)
	}
	return nil
}

// MoveFile renames a file entry in place. Any other entry already named
// newPath is removed first, together with its blocks, since the renamed
// file now occupies that path.
func (t *Tx) MoveFile(fileID int64, newPath string) error {
	if _, err := t.tx.Exec(`DELETE FROM files WHERE name = ? AND file_id != ?`, newPath, fileID); err != nil {
		return fmt.Errorf("index: move file %d to %s: %w", fileID, newPath, err)
	}
	if _, err := t.tx.Exec(`UPDATE files SET name = ? WHERE file_id = ?`, newPath, fileID); err != nil {
		return fmt.Errorf("index: move file %d to %s: %w", fileID, newPath, err)
	}
	return nil
}

// AddBlock inserts a new block row. It fails if (file_id, offset) already
// exists, per spec.md §4.3.
func (t *Tx) AddBlock(d digest.Digest, fileID, offset, size int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO blocks(hash, file_id, offset, size) VALUES (?, ?, ?, ?)`,
		d.String(), fileID, offset, size,
	)
	if err != nil {
		return fmt.Errorf("index: add block at file=%d offset=%d: %w", fileID, offset, err)
	}
	return nil
}

// ReplaceBlock upserts by (file_id, offset), replacing any prior
// digest/size — used when a previously-unknown block finally arrives and
// when a cache-hit block is copied into a temp file at a fresh offset.
func (t *Tx) ReplaceBlock(d digest.Digest, fileID, offset, size int64) error {
	_, err := t.tx.Exec(`
		INSERT INTO blocks(hash, file_id, offset, size) VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, offset) DO UPDATE SET hash = excluded.hash, size = excluded.size
	`, d.String(), fileID, offset, size)
	if err != nil {
		return fmt.Errorf("index: replace block at file=%d offset=%d: %w", fileID, offset, err)
	}
	return nil
}

// GetBlock returns any one location holding a block with digest d. When
// several files share the block, the choice is deterministic for a given
// state (lowest file_id, then lowest offset) but otherwise unspecified, per
// spec.md §4.3.
func (t *Tx) GetBlock(d digest.Digest) (path string, offset, size int64, ok bool, err error) {
	row := t.tx.QueryRow(`
		SELECT files.name, blocks.offset, blocks.size
		FROM blocks
		JOIN files ON files.file_id = blocks.file_id
		WHERE blocks.hash = ?
		ORDER BY blocks.file_id, blocks.offset
		LIMIT 1
	`, d.String())

	switch scanErr := row.Scan(&path, &offset, &size); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return "", 0, 0, false, nil
	case scanErr != nil:
		return "", 0, 0, false, fmt.Errorf("index: get block %s: %w", d, scanErr)
	default:
		return path, offset, size, true, nil
	}
}

// ListFiles returns every file entry, ordered by file_id (insertion order).
func (t *Tx) ListFiles() ([]FileEntry, error) {
	rows, err := t.tx.Query(`SELECT file_id, name, modified FROM files ORDER BY file_id`)
	if err != nil {
		return nil, fmt.Errorf("index: list files: %w", err)
	}
	defer rows.Close()

	var out []FileEntry
	for rows.Next() {
		var (
			fe       FileEntry
			modified string
		)
		if err := rows.Scan(&fe.ID, &fe.Path, &modified); err != nil {
			return nil, fmt.Errorf("index: scan file row: %w", err)
		}
		fe.Modified, err = parseTimestamp(modified)
		if err != nil {
			return nil, fmt.Errorf("index: parse modified for %s: %w", fe.Path, err)
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

// FileIDByPath looks up a file's id by its exact path. The boolean is false
// when no entry has that path.
func (t *Tx) FileIDByPath(path string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(`SELECT file_id FROM files WHERE name = ?`, path).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("index: lookup file_id for %s: %w", path, err)
	default:
		return id, true, nil
	}
}

// ListFileBlocks returns a file's blocks ordered by offset.
func (t *Tx) ListFileBlocks(fileID int64) ([]BlockEntry, error) {
	rows, err := t.tx.Query(
		`SELECT hash, offset, size FROM blocks WHERE file_id = ? ORDER BY offset`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("index: list blocks for file %d: %w", fileID, err)
	}
	defer rows.Close()

	var out []BlockEntry
	for rows.Next() {
		var (
			be  BlockEntry
			hex string
		)
		if err := rows.Scan(&hex, &be.Offset, &be.Size); err != nil {
			return nil, fmt.Errorf("index: scan block row: %w", err)
		}
		be.Digest, err = digest.Parse(hex)
		if err != nil {
			return nil, fmt.Errorf("index: parse digest for file %d: %w", fileID, err)
		}
		out = append(out, be)
	}
	return out, rows.Err()
}

// RemoveBlocksForFile deletes every block row for fileID, used by the
// indexer before re-chunking a file whose mtime has changed.
func (t *Tx) RemoveBlocksForFile(fileID int64) error {
	if _, err := t.tx.Exec(`DELETE FROM blocks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("index: remove blocks for file %d: %w", fileID, err)
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// IsUniqueConstraint reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint violation, such as AddBlock returns for a duplicate
// (file_id, offset).
func IsUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
