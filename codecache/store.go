package codecache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emtee40/phoneJ2ME-cldc/vm"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested snapshot doesn't exist.
var ErrNotFound = errors.New("codecache: snapshot not found")

func storeLog() commonlog.Logger { return commonlog.GetLogger("cldc.codecache") }

// Entry summarizes a stored snapshot.
type Entry struct {
	Key           string
	CompilationID string
	CodeSize      int
	SavedAt       time.Time
}

// Store handles SQLite storage for snapshots.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache database at path, creating its directory.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		compilation_id TEXT NOT NULL,
		code_size INTEGER NOT NULL,
		saved_at INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores snap, replacing any snapshot with the same key.
func (s *Store) Save(snap *Snapshot) error {
	data, err := MarshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", snap.Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (key, compilation_id, code_size, saved_at, data) VALUES (?, ?, ?, ?, ?)",
		snap.Key, snap.CompilationID, snap.CodeSize, time.Now().UnixNano(), data,
	)
	if err != nil {
		storeLog().Errorf("saving %s: %s", snap.Key, err)
		return fmt.Errorf("saving snapshot: %w", err)
	}
	storeLog().Debugf("saved %s (%d bytes of code)", snap.Key, snap.CodeSize)
	return nil
}

// Load retrieves the snapshot stored under key.
func (s *Store) Load(key string) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE key = ?", key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	if snap.Key != key {
		return nil, fmt.Errorf("codecache: row %s holds snapshot %s", key, snap.Key)
	}
	return snap, nil
}

// List returns every stored snapshot, ordered by key.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT key, compilation_id, code_size, saved_at FROM snapshots ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var savedAt int64
		if err := rows.Scan(&e.Key, &e.CompilationID, &e.CodeSize, &savedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		e.SavedAt = time.Unix(0, savedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the snapshot stored under key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM snapshots WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Compiled methods
// ---------------------------------------------------------------------------

// SaveCompiled stores the installed code of m. Code that embeds heap
// references cannot outlive its heap and is refused with
// vm.ErrNotRelocatable.
func (s *Store) SaveCompiled(m *vm.Method, backend, compilationID string, cm *vm.CompiledMethod) error {
	if cm.Flags()&vm.FlagHasOopRelocation != 0 {
		return vm.ErrNotRelocatable
	}
	return s.Save(NewSnapshot(Key(m, backend), compilationID, backend, cm))
}

// Install restores the cached code of m into heap.
func (s *Store) Install(heap *vm.ObjectHeap, m *vm.Method, backend string) (*vm.CompiledMethod, error) {
	snap, err := s.Load(Key(m, backend))
	if err != nil {
		return nil, err
	}
	img, err := snap.Image()
	if err != nil {
		return nil, err
	}
	cm, err := vm.Restore(heap, m, img)
	if err != nil {
		storeLog().Warningf("cached code for %s rejected: %s", snap.Key, err)
		return nil, err
	}
	storeLog().Infof("installed %s from compilation %s", snap.Key, snap.CompilationID)
	return cm, nil
}
