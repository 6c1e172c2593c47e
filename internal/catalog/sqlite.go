package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteSource stores catalog documents in a SQLite table, one row per
// version. Rows are append-only.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLiteSource opens (and if needed creates) the database at path.
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteSource{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSource) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS catalog_versions (
		version INTEGER PRIMARY KEY,
		name TEXT,
		document TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`)
	return err
}

func (s *SQLiteSource) Close() error { return s.db.Close() }

func (s *SQLiteSource) ListVersions(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM catalog_versions ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list catalog versions: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan catalog version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLiteSource) Load(ctx context.Context, version int) (*Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM catalog_versions WHERE version = ?`, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("v%d: %w", version, ErrUnknownVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog v%d: %w", version, err)
	}
	return Decode([]byte(raw))
}

// Append stores a new version. The document is validated first so the table
// only ever holds loadable catalogs, and an existing version is never
// overwritten.
func (s *SQLiteSource) Append(ctx context.Context, doc *Document) error {
	cat, err := Build(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cat.Document())
	if err != nil {
		return fmt.Errorf("encode catalog v%d: %w", doc.Version, err)
	}

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM catalog_versions`).Scan(&latest); err != nil {
		return fmt.Errorf("read latest catalog version: %w", err)
	}
	if latest.Valid && int64(doc.Version) <= latest.Int64 {
		return fmt.Errorf("append v%d (latest v%d): %w", doc.Version, latest.Int64, ErrStaleVersion)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO catalog_versions (version, name, document, created_at) VALUES (?, ?, ?, ?)`,
		doc.Version, doc.Name, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert catalog v%d: %w", doc.Version, err)
	}
	return nil
}
