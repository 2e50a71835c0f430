package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"opsagent/internal/logging"
)

// Cache persists embedded chunks so the corpus is only re-embedded when it,
// the chunking parameters or the embedding engine change.
type Cache struct {
	db   *sql.DB
	path string
}

// OpenCache opens (or creates) the index database at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.RetrievalDebug("Failed to set sqlite busy_timeout: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}
	return &Cache{db: db, path: path}, nil
}

// Load returns the cached chunks if they were built for fingerprint.
func (c *Cache) Load(ctx context.Context, fingerprint string) ([]Chunk, bool, error) {
	var stored string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'fingerprint'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read index fingerprint: %w", err)
	}
	if stored != fingerprint {
		logging.RetrievalDebug("Index fingerprint changed (%s -> %s)", stored, fingerprint)
		return nil, false, nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT source, content, embedding FROM chunks ORDER BY id`)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			ch  Chunk
			vec string
		)
		if err := rows.Scan(&ch.Source, &ch.Text, &vec); err != nil {
			return nil, false, err
		}
		if err := json.Unmarshal([]byte(vec), &ch.Vector); err != nil {
			return nil, false, fmt.Errorf("corrupt cached embedding: %w", err)
		}
		chunks = append(chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return chunks, len(chunks) > 0, nil
}

// Save replaces the cached chunks in one transaction.
func (c *Cache) Save(ctx context.Context, fingerprint string, chunks []Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (id, source, content, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, ch := range chunks {
		vec, err := json.Marshal(ch.Vector)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, i, ch.Source, ch.Text, string(vec)); err != nil {
			return fmt.Errorf("failed to cache chunk %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_meta (key, value) VALUES ('fingerprint', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fingerprint); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }
