package tickets

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAdapterPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tickets.json")

	a, err := NewFileAdapter(path)
	require.NoError(t, err)
	created, err := a.Create(ctx, Ticket{Title: "Web down", Description: "503", Severity: SeverityCritical, Status: StatusOpen})
	require.NoError(t, err)
	assert.Equal(t, "INC-1", created.ID)

	created.Status = StatusInProgress
	require.NoError(t, a.Update(ctx, created))

	b, err := NewFileAdapter(path)
	require.NoError(t, err)
	got, err := b.Get(ctx, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	next, err := b.Create(ctx, Ticket{Title: "t", Description: "d", Severity: SeverityLow, Status: StatusOpen})
	require.NoError(t, err)
	assert.Equal(t, "INC-2", next.ID)
}

func TestFileAdapterDocumentShape(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tickets.json")
	a, err := NewFileAdapter(path)
	require.NoError(t, err)
	_, err = a.Create(ctx, Ticket{Title: "t", Description: "d", Severity: SeverityLow, Status: StatusOpen})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, "2", string(doc["ticket_id_counter"]))
	assert.Contains(t, string(doc["tickets"]), `"INC-1"`)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileAdapterMovesCorruptFileAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickets.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	a, err := NewFileAdapter(path)
	require.NoError(t, err)
	list, err := a.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	matches, err := filepath.Glob(filepath.Join(dir, "tickets.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFileAdapterHonoursCancelledContext(t *testing.T) {
	a, err := NewFileAdapter(filepath.Join(t.TempDir(), "tickets.json"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Create(ctx, Ticket{Title: "t"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteAdapterPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tickets.db")

	a, err := NewSQLiteAdapter(path)
	require.NoError(t, err)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	_, err = a.Create(ctx, Ticket{Title: "DB latency", Description: "P95", Severity: SeverityHigh, Status: StatusOpen, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := NewSQLiteAdapter(path)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(ctx, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, "DB latency", got.Title)
	assert.True(t, now.Equal(got.CreatedAt))

	err = b.Update(ctx, Ticket{ID: "INC-7", Status: StatusResolved})
	assert.ErrorIs(t, err, ErrNotFound)
}
