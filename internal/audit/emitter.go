package audit

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"opsagent/internal/logging"
)

// Recorder is the narrow view pipeline stages use to record decisions.
type Recorder interface {
	Emit(ev Event)
	Trail(requestID string) []Event
}

// Emitter serializes events as JSON lines onto its writer and, optionally,
// an append-only mirror file. Emit never fails the caller: write errors are
// logged and the event is still retained in the request's trail.
type Emitter struct {
	mu sync.Mutex

	out        io.Writer
	mirrorPath string
	mirror     *os.File
	mirrorErr  bool

	seq    uint64
	lastTS time.Time
	now    func() time.Time

	trails    map[string][]Event
	order     []string
	retention int
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithMirrorFile appends every event to path as well. The file and its
// directory are created on first use.
func WithMirrorFile(path string) Option {
	return func(e *Emitter) { e.mirrorPath = path }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// WithRetention bounds how many request trails are kept in memory.
func WithRetention(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.retention = n
		}
	}
}

// NewEmitter creates an emitter writing to out. A nil writer discards.
func NewEmitter(out io.Writer, opts ...Option) *Emitter {
	if out == nil {
		out = io.Discard
	}
	e := &Emitter{
		out:       out,
		now:       time.Now,
		trails:    make(map[string][]Event),
		retention: 512,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit stamps the event with a timestamp and sequence number, retains it in
// the request trail and writes it out.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev.Seq = e.seq

	ts := e.now().UTC()
	if ts.Before(e.lastTS) {
		ts = e.lastTS
	}
	e.lastTS = ts
	ev.Timestamp = ts

	e.retain(ev)

	line, err := json.Marshal(ev)
	if err != nil {
		logging.AuditWarn("failed to marshal %s event for %s: %v", ev.Type, ev.RequestID, err)
		return
	}
	line = append(line, '\n')

	if _, err := e.out.Write(line); err != nil {
		logging.AuditWarn("failed to write %s event: %v", ev.Type, err)
	}
	e.writeMirror(line)
}

func (e *Emitter) retain(ev Event) {
	if _, ok := e.trails[ev.RequestID]; !ok {
		e.order = append(e.order, ev.RequestID)
		for len(e.order) > e.retention {
			delete(e.trails, e.order[0])
			e.order = e.order[1:]
		}
	}
	e.trails[ev.RequestID] = append(e.trails[ev.RequestID], ev)
}

func (e *Emitter) writeMirror(line []byte) {
	if e.mirrorPath == "" || e.mirrorErr {
		return
	}
	if e.mirror == nil {
		if err := os.MkdirAll(filepath.Dir(e.mirrorPath), 0755); err != nil {
			logging.AuditWarn("cannot create audit mirror directory: %v", err)
			e.mirrorErr = true
			return
		}
		f, err := os.OpenFile(e.mirrorPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logging.AuditWarn("cannot open audit mirror %s: %v", e.mirrorPath, err)
			e.mirrorErr = true
			return
		}
		e.mirror = f
	}
	if _, err := e.mirror.Write(line); err != nil {
		logging.AuditWarn("failed to mirror audit event: %v", err)
	}
}

// Trail returns a copy of the events recorded for one request, in emission order.
func (e *Emitter) Trail(requestID string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.trails[requestID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// Close releases the mirror file.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mirror == nil {
		return nil
	}
	err := e.mirror.Close()
	e.mirror = nil
	return err
}
