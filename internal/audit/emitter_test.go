package audit

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"opsagent/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func readEvents(t *testing.T, data []byte) []Event {
	t.Helper()
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		ev, err := ParseLine(sc.Bytes())
		require.NoError(t, err)
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEmitWritesFlatJSONLines(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.Emit(RouteSelected(types.RouteDecision{RequestID: "r1", Path: types.PathDeterministic, MatchedPattern: "calculate"}))

	events := readEvents(t, buf.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, EventRouteSelected, events[0].Type)
	assert.Equal(t, "r1", events[0].RequestID)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "deterministic", events[0].String("path"))
	assert.Equal(t, "calculate", events[0].String("pattern"))
}

func TestSeqIsMonotonicAndTimestampsNeverGoBackwards(t *testing.T) {
	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	e := NewEmitter(&buf, WithClock(fixedClock(base, base.Add(-time.Second), base.Add(time.Second))))

	call := types.ToolCall{ID: "r1#1", Tool: types.ToolCalculate}
	e.Emit(PolicyDecision("r1", types.PolicyDecision{Allowed: true, Tool: call.Tool, ToolCallRef: call.ID}))
	e.Emit(ToolStart("r1", call))
	e.Emit(ToolEnd("r1", call, false, 3, ""))

	trail := e.Trail("r1")
	require.Len(t, trail, 3)
	for i := 1; i < len(trail); i++ {
		assert.Greater(t, trail[i].Seq, trail[i-1].Seq)
		assert.False(t, trail[i].Timestamp.Before(trail[i-1].Timestamp))
	}
	assert.Equal(t, trail[0].Timestamp, trail[1].Timestamp)
}

func TestTimelineReconstructsByFilterAndSort(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.Emit(RouteSelected(types.RouteDecision{RequestID: "a", Path: types.PathReasoning}))
	e.Emit(RouteSelected(types.RouteDecision{RequestID: "b", Path: types.PathDeterministic}))
	e.Emit(AgentError("a", "timeout", errors.New("deadline exceeded")))

	parsed := readEvents(t, buf.Bytes())
	// Shuffle to prove ordering comes from timestamp+seq, not file order.
	parsed[0], parsed[2] = parsed[2], parsed[0]

	got := Types(Timeline(parsed, "a"))
	want := []EventType{EventRouteSelected, EventAgentError}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}
}

func TestPayloadCannotOverrideEnvelope(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	e.Emit(Event{Type: EventAgentError, RequestID: "real", Payload: map[string]any{"request_id": "forged", "kind": "x"}})

	events := readEvents(t, buf.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, "real", events[0].RequestID)
}

func TestWriteFailureDoesNotPanicAndStillRetains(t *testing.T) {
	e := NewEmitter(failingWriter{})

	assert.NotPanics(t, func() {
		e.Emit(AgentError("r", "unavailable", nil))
	})
	assert.Len(t, e.Trail("r"), 1)
}

func TestMirrorFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	var buf bytes.Buffer
	e := NewEmitter(&buf, WithMirrorFile(path))

	e.Emit(RouteSelected(types.RouteDecision{RequestID: "r", Path: types.PathReasoning}))
	e.Emit(AgentError("r", "timeout", nil))
	require.NoError(t, e.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(data))
}

func TestUnwritableMirrorIsTolerated(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	var buf bytes.Buffer
	e := NewEmitter(&buf, WithMirrorFile(filepath.Join(blocker, "events.jsonl")))
	e.Emit(AgentError("r", "timeout", nil))
	e.Emit(AgentError("r", "timeout", nil))

	assert.Len(t, readEvents(t, buf.Bytes()), 2)
	require.NoError(t, e.Close())
}

func TestRetentionEvictsOldestTrail(t *testing.T) {
	e := NewEmitter(nil, WithRetention(2))

	for _, id := range []string{"a", "b", "c"} {
		e.Emit(AgentError(id, "timeout", nil))
	}

	assert.Empty(t, e.Trail("a"))
	assert.Len(t, e.Trail("b"), 1)
	assert.Len(t, e.Trail("c"), 1)
}

func TestConcurrentEmitProducesUniqueSeq(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(AgentError("shared", "timeout", nil))
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, ev := range readEvents(t, buf.Bytes()) {
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	assert.Len(t, seen, 20)
}

func TestHasSuccessfulMutation(t *testing.T) {
	create := types.ToolCall{ID: "r#1", Tool: types.ToolCreateTicket}
	calc := types.ToolCall{ID: "r#2", Tool: types.ToolCalculate}

	assert.False(t, HasSuccessfulMutation(nil))
	assert.False(t, HasSuccessfulMutation([]Event{ToolEnd("r", calc, false, 1, "")}))
	assert.False(t, HasSuccessfulMutation([]Event{ToolEnd("r", create, true, 1, "ticket store unavailable")}))
	assert.True(t, HasSuccessfulMutation([]Event{ToolEnd("r", create, true, 1, "")}))
}

func TestPolicyDecisionEvent(t *testing.T) {
	blocked := PolicyDecision("r", types.PolicyDecision{
		Allowed:     false,
		Reason:      types.ReasonConfirmationRequired,
		Tool:        types.ToolCreateTicket,
		ToolCallRef: "r#1",
	})
	assert.Equal(t, EventPolicyBlocked, blocked.Type)
	assert.Equal(t, "confirmation_required", blocked.Payload["reason_code"])

	allowed := PolicyDecision("r", types.PolicyDecision{Allowed: true, Tool: types.ToolCalculate, ToolCallRef: "r#2"})
	assert.Equal(t, EventPolicyAllowed, allowed.Type)
	_, hasReason := allowed.Payload["reason_code"]
	assert.False(t, hasReason)
}

func TestParseLineRejectsGarbage(t *testing.T) {
	_, err := ParseLine([]byte(`{"type":"route_selected"}`))
	assert.Error(t, err)
	_, err = ParseLine([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseLine([]byte(`{"type":"x","request_id":"r","timestamp":"yesterday"}`))
	assert.Error(t, err)
}
