package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/leeineian/earworm/sys"
)

// SQLite persists entries as rows of the preview_cache table, one row per key,
// so concurrent writers never overwrite each other's entries.
type SQLite struct {
	db   *sql.DB
	owns bool
}

// NewSQLite uses an already migrated database handle. Close leaves db open.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// OpenSQLite opens and migrates the database at path. Close closes it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sys.OpenDatabase(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db, owns: true}, nil
}

func (s *SQLite) Load(ctx context.Context, key string) (Entry, bool, error) {
	var data string
	var ts int64
	err := s.db.QueryRowContext(ctx, "SELECT data, timestamp FROM preview_cache WHERE key = ?", key).Scan(&data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	e := Entry{Timestamp: ts}
	if err := json.Unmarshal([]byte(data), &e.Preview); err != nil {
		sys.LogComponentWarn("cache", sys.MsgCacheCorruptEntry, key, err)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *SQLite) Save(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e.Preview)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preview_cache (key, data, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp
	`, key, string(data), e.Timestamp)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM preview_cache WHERE key = ?", key)
	return err
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM preview_cache")
	return err
}

// Prune removes rows stored before cutoffMillis and reports how many went.
func (s *SQLite) Prune(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM preview_cache WHERE timestamp < ?", cutoffMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	if s.owns {
		return s.db.Close()
	}
	return nil
}
