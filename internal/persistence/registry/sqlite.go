package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the on-disk development asset registry of one platform.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	ch   chan Entry
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

func Open(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty registry path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		ch:     make(chan Entry, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS packages (
			filename TEXT PRIMARY KEY,
			package_name TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			succeeded INTEGER NOT NULL,
			cooked_path TEXT NOT NULL,
			cooked_size INTEGER NOT NULL,
			cooked_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(package_name);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Load returns every package row of the previous cook.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename,package_name,content_hash,succeeded,cooked_path,cooked_size,cooked_at FROM packages ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ok int
			at string
		)
		if err := rows.Scan(&e.Filename, &e.PackageName, &e.ContentHash, &ok, &e.CookedPath, &e.CookedSize, &at); err != nil {
			return nil, err
		}
		e.Succeeded = ok != 0
		e.CookedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Replace rewrites the whole registry in one transaction.
func (s *Store) Replace(ctx context.Context, entries []Entry, meta map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM packages`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertPackageSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, entryArgs(e)...); err != nil {
			return fmt.Errorf("insert %s: %w", e.Filename, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Record upserts one entry asynchronously. Entries are dropped if the writer
// falls behind; the in-memory Generator stays authoritative.
func (s *Store) Record(e Entry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- e:
	default:
		n := s.dropped.Add(1)
		if s.logger != nil {
			s.logger.Printf("registry drop file=%s dropped_total=%d", e.Filename, n)
		}
	}
}

const insertPackageSQL = `INSERT OR REPLACE INTO packages(filename,package_name,content_hash,succeeded,cooked_path,cooked_size,cooked_at) VALUES(?,?,?,?,?,?,?)`

func entryArgs(e Entry) []any {
	ok := 0
	if e.Succeeded {
		ok = 1
	}
	at := e.CookedAt
	if at.IsZero() {
		at = time.Now()
	}
	return []any{e.Filename, e.PackageName, e.ContentHash, ok, e.CookedPath, e.CookedSize, at.UTC().Format(time.RFC3339Nano)}
}

func (s *Store) loop() {
	ctx := context.Background()
	insert, _ := s.db.Prepare(insertPackageSQL)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil && s.logger != nil {
			s.logger.Printf("registry commit: %v", err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for e := range s.ch {
		if tx == nil {
			txx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			tx = txx
			lastCommit = time.Now()
		}
		if insert != nil {
			if _, err := tx.Stmt(insert).Exec(entryArgs(e)...); err != nil {
				_ = tx.Rollback()
				tx = nil
				opCount = 0
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}
