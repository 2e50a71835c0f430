package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter persists tickets in a SQLite database.
type SQLiteAdapter struct {
	db   *sql.DB
	path string
}

// NewSQLiteAdapter opens (or creates) the database at path.
func NewSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ticket database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	a := &SQLiteAdapter{db: db, path: path}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAdapter) initialize() error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := a.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ticket_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO ticket_sequence (id, next) VALUES (1, 1);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create ticket schema: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Create(ctx context.Context, t Ticket) (Ticket, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return Ticket{}, err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM ticket_sequence WHERE id = 1`).Scan(&next); err != nil {
		return Ticket{}, fmt.Errorf("failed to read ticket sequence: %w", err)
	}
	t.ID = FormatID(next)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tickets (seq, id, title, description, severity, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		next, t.ID, t.Title, t.Description, string(t.Severity), string(t.Status),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to insert ticket: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ticket_sequence SET next = ? WHERE id = 1`, next+1); err != nil {
		return Ticket{}, fmt.Errorf("failed to advance ticket sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

func (a *SQLiteAdapter) Get(ctx context.Context, id string) (Ticket, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, title, description, severity, status, created_at, updated_at FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, &NotFoundError{ID: id}
	}
	return t, err
}

func (a *SQLiteAdapter) Update(ctx context.Context, t Ticket) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE tickets SET title = ?, description = ?, severity = ?, status = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, string(t.Severity), string(t.Status), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: t.ID}
	}
	return nil
}

func (a *SQLiteAdapter) List(ctx context.Context) ([]Ticket, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, title, description, severity, status, created_at, updated_at FROM tickets ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (a *SQLiteAdapter) Reset(ctx context.Context) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tickets`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ticket_sequence SET next = 1 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *SQLiteAdapter) Close() error { return a.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(s scanner) (Ticket, error) {
	var (
		t                Ticket
		severity, status string
		created, updated string
	)
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &severity, &status, &created, &updated); err != nil {
		return Ticket{}, err
	}
	t.Severity = Severity(severity)
	t.Status = Status(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
