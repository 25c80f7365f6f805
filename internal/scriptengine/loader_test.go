package scriptengine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepcore/internal/scriptengine"
)

func writeScript(t *testing.T, dir, relName, body string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(relName)+".lua")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestListAvailable_SkipsUnderscorePrefixedPaths(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", "function chain(ctx) end")
	writeScript(t, dir, "tools/cleanup", "function chain(ctx) end")
	writeScript(t, dir, "_disabled/ignored", "function chain(ctx) end")
	writeScript(t, dir, "_private", "function chain(ctx) end")

	loader := scriptengine.New(dir)
	names, err := loader.ListAvailable()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"demo", "tools/cleanup"}, names)
}

func TestLoad_ResolvesEntryByConvention(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "uses_main", "function main(ctx) end")
	writeScript(t, dir, "uses_basename", "function uses_basename(ctx) end")
	writeScript(t, dir, "tools/cleanup", "function cleanup_chain(ctx) end")

	loader := scriptengine.New(dir)

	for _, name := range []string{"uses_main", "uses_basename", "tools/cleanup"} {
		script, err := loader.Load(name)
		require.NoError(t, err, name)
		assert.NotNil(t, script.Entry, name)
	}
}

func TestLoad_NoEntryFunctionFails(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken", "x = 1")

	loader := scriptengine.New(dir)
	_, err := loader.Load("broken")
	assert.ErrorIs(t, err, scriptengine.ErrNoEntryFunction)
}

func TestLoad_MissingScriptFails(t *testing.T) {
	loader := scriptengine.New(t.TempDir())
	_, err := loader.Load("nope")
	assert.ErrorIs(t, err, scriptengine.ErrScriptNotFound)
}

func TestCheckForUpdates_ReloadsChangedAndUnloadsMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "demo", "function chain(ctx) return 1 end")
	other := writeScript(t, dir, "stable", "function chain(ctx) return 2 end")

	loader := scriptengine.New(dir)
	_, err := loader.Load("demo")
	require.NoError(t, err)
	_, err = loader.Load("stable")
	require.NoError(t, err)

	// Ensure a strictly later mtime is observed.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("function chain(ctx) return 99 end"), 0644))
	require.NoError(t, os.Chtimes(path, future, future))

	reloaded, err := loader.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, reloaded)

	require.NoError(t, os.Remove(other))
	reloaded, err = loader.CheckForUpdates()
	require.NoError(t, err)
	assert.Empty(t, reloaded)

	_, ok := loader.Get("stable")
	assert.False(t, ok, "missing script should have been unloaded")
}

func TestReloadAll_ReloadsEveryKnownScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a", "function chain(ctx) end")
	writeScript(t, dir, "b", "function chain(ctx) end")

	loader := scriptengine.New(dir)
	_, err := loader.Load("a")
	require.NoError(t, err)
	_, err = loader.Load("b")
	require.NoError(t, err)

	reloaded, err := loader.ReloadAll()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, reloaded)
}

func TestUnloadScript_RemovesFromRegistry(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "demo", "function chain(ctx) end")

	loader := scriptengine.New(dir)
	_, err := loader.Load("demo")
	require.NoError(t, err)

	loader.UnloadScript("demo")
	_, ok := loader.Get("demo")
	assert.False(t, ok)
}
