package guardrail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const minimalRules = `version: "%s"
input:
  - id: scope.joke
    reason: out_of_scope
    pattern: '(?i)\bjoke\b'
`

func writeRules(t *testing.T, path, version string) {
	t.Helper()
	doc := []byte(fmt.Sprintf(minimalRules, version))
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, doc, 0644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "v1")

	rs, err := LoadRules(path)
	require.NoError(t, err)
	holder := NewHolder(rs)

	w, err := NewWatcher(path, holder)
	require.NoError(t, err)
	reloaded := make(chan string, 4)
	w.OnReload(func(rs *RuleSet, err error) {
		if err == nil {
			reloaded <- rs.Version
		}
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeRules(t, path, "v2")

	select {
	case v := <-reloaded:
		assert.Equal(t, "v2", v)
	case <-time.After(5 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	assert.Equal(t, "v2", holder.Load().Version)
}

func TestWatcherKeepsPreviousRulesOnParseError(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "v1")
	rs, err := LoadRules(path)
	require.NoError(t, err)
	holder := NewHolder(rs)

	w, err := NewWatcher(path, holder)
	require.NoError(t, err)
	failed := make(chan error, 4)
	w.OnReload(func(_ *RuleSet, err error) {
		if err != nil {
			failed <- err
		}
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0644))

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not attempted")
	}
	assert.Equal(t, "v1", holder.Load().Version)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewWatcher(filepath.Join(t.TempDir(), "rules.yaml"), NewHolder(DefaultRules()))
	require.NoError(t, err)
	w.Stop()
}
