package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"opsagent/internal/logging"
)

// fileState is the on-disk document.
type fileState struct {
	Counter int64             `json:"ticket_id_counter"`
	Tickets map[string]Ticket `json:"tickets"`
}

func emptyState() fileState {
	return fileState{Counter: 1, Tickets: make(map[string]Ticket)}
}

// FileAdapter keeps all tickets in one JSON document, rewritten atomically
// (temp file + rename) on every mutation.
type FileAdapter struct {
	mu    sync.Mutex
	path  string
	state fileState
}

// NewFileAdapter loads path, creating an empty store if it does not exist.
// A corrupt file is moved aside and the store starts empty.
func NewFileAdapter(path string) (*FileAdapter, error) {
	a := &FileAdapter{path: path, state: emptyState()}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return a, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read ticket store: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil || st.Counter < 1 {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logging.TicketsWarn("ticket store %s is corrupt, moving to %s and starting empty", path, aside)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("failed to move corrupt ticket store aside: %w", rerr)
		}
		return a, nil
	}
	if st.Tickets == nil {
		st.Tickets = make(map[string]Ticket)
	}
	for id, t := range st.Tickets {
		t.ID = id
		st.Tickets[id] = t
	}
	a.state = st
	return a, nil
}

// Path returns the backing file.
func (a *FileAdapter) Path() string { return a.path }

func (a *FileAdapter) Create(ctx context.Context, t Ticket) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	t.ID = FormatID(a.state.Counter)
	next := a.cloneState()
	next.Tickets[t.ID] = t
	next.Counter++
	if err := a.commit(next); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

func (a *FileAdapter) Get(ctx context.Context, id string) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.state.Tickets[id]
	if !ok {
		return Ticket{}, &NotFoundError{ID: id}
	}
	return t, nil
}

func (a *FileAdapter) Update(ctx context.Context, t Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.state.Tickets[t.ID]; !ok {
		return &NotFoundError{ID: t.ID}
	}
	next := a.cloneState()
	next.Tickets[t.ID] = t
	return a.commit(next)
}

func (a *FileAdapter) List(ctx context.Context) ([]Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Ticket, 0, len(a.state.Tickets))
	for _, t := range a.state.Tickets {
		out = append(out, t)
	}
	sortByID(out)
	return out, nil
}

func (a *FileAdapter) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commit(emptyState())
}

func (a *FileAdapter) Close() error { return nil }

func (a *FileAdapter) cloneState() fileState {
	next := fileState{Counter: a.state.Counter, Tickets: make(map[string]Ticket, len(a.state.Tickets)+1)}
	for k, v := range a.state.Tickets {
		next.Tickets[k] = v
	}
	return next
}

// commit writes next to disk and only then makes it the in-memory state, so a
// failed write leaves the store unchanged.
func (a *FileAdapter) commit(next fileState) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ticket store: %w", err)
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create ticket store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(a.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ticket store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ticket store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync ticket store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close ticket store: %w", err)
	}
	if err := os.Rename(tmpName, a.path); err != nil {
		return fmt.Errorf("failed to replace ticket store: %w", err)
	}

	a.state = next
	return nil
}

// sortByID orders INC-<n> ids numerically.
func sortByID(ts []Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		return idNumber(ts[i].ID) < idNumber(ts[j].ID)
	})
}

func idNumber(id string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, "INC-"), 10, 64)
	if err != nil {
		return 1<<63 - 1
	}
	return n
}
