package index

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// batchSize is the number of pending entries that forces a flush.
const batchSize = 100

// Entry describes one archive member as it was written.
type Entry struct {
	ModTime     time.Time
	Name        string
	Digest      string // hex BLAKE3 of the logical file contents, holes read as zero
	Volume      int64  // global volume number holding the member header, 1-based
	Ordinal     int64  // block ordinal of the member header within its volume
	Size        int64
	ArchiveSize int64
	Sparse      bool
}

// Index is a SQLite-backed catalogue of the members of one archive.
type Index struct {
	db      *sql.DB
	done    chan struct{}
	path    string
	archive string

	// Batch buffer for Record calls.
	mu      sync.Mutex
	batch   []Entry
	stopped bool
}

// Open opens (or creates) the index database at path for archive. An
// empty path selects DefaultPath(archive). An existing database built
// for another archive is refused.
func Open(path, archive string) (*Index, error) {
	if path == "" {
		path = DefaultPath(archive)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	x := &Index{
		db:      db,
		path:    path,
		archive: archive,
		done:    make(chan struct{}),
	}
	if err := x.init(); err != nil {
		db.Close()
		return nil, err
	}

	go x.flushLoop()
	return x, nil
}

func (x *Index) init() error {
	_, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS members (
			name         TEXT PRIMARY KEY,
			volume       INTEGER NOT NULL,
			ordinal      INTEGER NOT NULL,
			size         INTEGER NOT NULL,
			archive_size INTEGER NOT NULL,
			sparse       INTEGER NOT NULL,
			mtime        INTEGER NOT NULL,
			digest       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var stored string
	err = x.db.QueryRow("SELECT value FROM meta WHERE key = 'archive'").Scan(&stored)
	switch {
	case err == nil:
		if stored != x.archive {
			return fmt.Errorf("index %s belongs to archive %s, not %s", x.path, stored, x.archive)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := x.db.Exec("INSERT INTO meta (key, value) VALUES ('archive', ?)", x.archive); err != nil {
			return fmt.Errorf("store meta: %w", err)
		}
	default:
		return fmt.Errorf("read meta: %w", err)
	}
	return nil
}

// Record adds or replaces the entry for a member. Writes are batched
// and flushed periodically.
func (x *Index) Record(e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.batch = append(x.batch, e)
	if len(x.batch) >= batchSize {
		return x.flushLocked()
	}
	return nil
}

// Flush writes any pending entries to the database.
func (x *Index) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.flushLocked()
}

func (x *Index) flushLocked() error {
	if len(x.batch) == 0 {
		return nil
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO members
		(name, volume, ordinal, size, archive_size, sparse, mtime, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range x.batch {
		if _, err := stmt.Exec(e.Name, e.Volume, e.Ordinal, e.Size, e.ArchiveSize,
			e.Sparse, e.ModTime.UnixNano(), e.Digest); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	x.batch = x.batch[:0]
	return nil
}

func (x *Index) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-x.done:
			return
		case <-ticker.C:
			x.mu.Lock()
			_ = x.flushLocked()
			x.mu.Unlock()
		}
	}
}

const selectColumns = "name, volume, ordinal, size, archive_size, sparse, mtime, digest"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e     Entry
		mtime int64
	)
	err := row.Scan(&e.Name, &e.Volume, &e.Ordinal, &e.Size, &e.ArchiveSize,
		&e.Sparse, &mtime, &e.Digest)
	e.ModTime = time.Unix(0, mtime)
	return e, err
}

// Lookup returns the entry for name. Pending entries are flushed first.
func (x *Index) Lookup(name string) (Entry, bool, error) {
	if err := x.Flush(); err != nil {
		return Entry{}, false, err
	}
	e, err := scanEntry(x.db.QueryRow(
		"SELECT "+selectColumns+" FROM members WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return e, true, nil
}

// Entries returns every entry in archive order.
func (x *Index) Entries() ([]Entry, error) {
	if err := x.Flush(); err != nil {
		return nil, err
	}
	rows, err := x.db.Query("SELECT " + selectColumns + " FROM members ORDER BY volume, ordinal")
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset removes every member entry, as when the archive is rewritten.
func (x *Index) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.batch = x.batch[:0]
	if _, err := x.db.Exec("DELETE FROM members"); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	return nil
}

// Close flushes any pending writes and closes the database.
func (x *Index) Close() error {
	x.mu.Lock()
	if !x.stopped {
		x.stopped = true
		close(x.done)
	}
	err := x.flushLocked()
	x.mu.Unlock()
	return errors.Join(err, x.db.Close())
}

// Path returns the path to the index database file.
func (x *Index) Path() string {
	return x.path
}

// jobID computes a deterministic identifier for an archive name.
func jobID(archive string) string {
	h := blake3.New()
	h.Write([]byte(archive))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// DefaultPath returns the index location used when none is configured:
// $XDG_STATE_HOME/reel/<id>.db, falling back to ~/.local/state.
func DefaultPath(archive string) string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "reel-"+jobID(archive)+".db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "reel", jobID(archive)+".db")
}
