package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"sensorhub/internal/domain"

	_ "modernc.org/sqlite"
)

const mapSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	k BLOB PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;
`

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store is one SQLite database file holding any number of maps, one table
// per map.
type Store struct {
	path string
	db   *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, "sensorhub.db")
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{path: path, db: db, tables: map[string]bool{}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Backup writes a consistent copy of the database to dst.
func (s *Store) Backup(ctx context.Context, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup target %s already exists", dst)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("backup to %s: %w", dst, err)
	}
	return nil
}

func (s *Store) ensureTable(ctx context.Context, name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[name] {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(mapSchema, name)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	s.tables[name] = true
	return nil
}

// Map stores JSON-encoded values keyed by the binary ResourceKey encoding,
// whose byte order equals key order.
type Map[V any] struct {
	db    *sql.DB
	table string
}

func OpenMap[V any](ctx context.Context, s *Store, table string) (*Map[V], error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}
	return &Map[V]{db: s.db, table: table}, nil
}

func (m *Map[V]) Get(ctx context.Context, key domain.ResourceKey) (V, bool, error) {
	var zero V
	var raw []byte
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE k=?`, m.table), key.Bytes()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	v, err := decode[V](raw)
	if err != nil {
		return zero, false, fmt.Errorf("decode %s/%s: %w", m.table, key, err)
	}
	return v, true, nil
}

func (m *Map[V]) Put(ctx context.Context, key domain.ResourceKey, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", m.table, key, err)
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s(k, value, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(k) DO UPDATE SET value=excluded.value, updated_at_utc_ns=excluded.updated_at_utc_ns`, m.table),
		key.Bytes(), raw, time.Now().UTC().UnixNano())
	return err
}

func (m *Map[V]) Remove(ctx context.Context, key domain.ResourceKey) (bool, error) {
	res, err := m.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE k=?`, m.table), key.Bytes())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AscendRange reads the whole range before calling fn so that fn may write
// to the same map without holding an open cursor.
func (m *Map[V]) AscendRange(ctx context.Context, from, to domain.ResourceKey, fn func(domain.ResourceKey, V) bool) error {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT k, value FROM %s WHERE k >= ? AND k < ? ORDER BY k ASC`, m.table), from.Bytes(), to.Bytes())
	if err != nil {
		return err
	}
	type entry struct {
		key domain.ResourceKey
		raw []byte
	}
	var entries []entry
	for rows.Next() {
		var kb, raw []byte
		if err := rows.Scan(&kb, &raw); err != nil {
			rows.Close()
			return err
		}
		k, err := domain.KeyFromBytes(kb)
		if err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, entry{key: k, raw: raw})
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := decode[V](e.raw)
		if err != nil {
			return fmt.Errorf("decode %s/%s: %w", m.table, e.key, err)
		}
		if !fn(e.key, v) {
			return nil
		}
	}
	return nil
}

func (m *Map[V]) Last(ctx context.Context) (domain.ResourceKey, bool, error) {
	var kb []byte
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT k FROM %s ORDER BY k DESC LIMIT 1`, m.table)).Scan(&kb)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResourceKey{}, false, nil
	}
	if err != nil {
		return domain.ResourceKey{}, false, err
	}
	k, err := domain.KeyFromBytes(kb)
	return k, err == nil, err
}

func (m *Map[V]) Len(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, m.table)).Scan(&n)
	return n, err
}

func decode[V any](raw []byte) (V, error) {
	var v V
	err := json.Unmarshal(raw, &v)
	return v, err
}

// openSQLite sets the pragmas through the DSN so that every pooled
// connection gets them, not only the first one.
func openSQLite(path string) (*sql.DB, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"foreign_keys(ON)",
		"busy_timeout(5000)",
	}
	dsn := "file:" + path
	for i, p := range pragmas {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		dsn += sep + "_pragma=" + p
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
