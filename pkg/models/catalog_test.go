package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, dir string, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("gguf"), 0644))
}

func names(catalog []ModelFile) []string {
	var ret []string
	for _, m := range catalog {
		ret = append(ret, m.Name)
	}
	return ret
}

func TestListScansGGUFOnly(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "b-model.gguf")
	writeModel(t, dir, "a-model.GGUF")
	writeModel(t, dir, "readme.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.gguf"), 0755))

	catalog, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a-model.GGUF", "b-model.gguf"}, names(catalog))
	require.Equal(t, filepath.Join(dir, "b-model.gguf"), catalog[1].Path)
}

func TestListMissingDirectory(t *testing.T) {
	_, err := List(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestResolveDefault(t *testing.T) {
	catalog := []ModelFile{
		{Name: "alpha.gguf"},
		{Name: DefaultModel},
		{Name: "zeta.gguf"},
	}

	require.Equal(t, "zeta.gguf", ResolveDefault(catalog, "zeta.gguf"))
	// configured but absent falls through to the default model
	require.Equal(t, DefaultModel, ResolveDefault(catalog, "missing.gguf"))
	require.Equal(t, DefaultModel, ResolveDefault(catalog, ""))

	// no default model present: first entry wins
	require.Equal(t, "alpha.gguf", ResolveDefault(catalog[:1], ""))

	// empty catalog: pass the name through for server-side resolution
	require.Equal(t, "missing.gguf", ResolveDefault(nil, "missing.gguf"))
	require.Equal(t, DefaultModel, ResolveDefault(nil, ""))
}

func TestWatcherPushesInitialAndUpdatedCatalogs(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "first.gguf")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	select {
	case catalog := <-w.Updates():
		require.Equal(t, []string{"first.gguf"}, names(catalog))
	case <-time.After(2 * time.Second):
		t.Fatal("no initial catalog")
	}

	writeModel(t, dir, "second.gguf")

	require.Eventually(t, func() bool {
		select {
		case catalog := <-w.Updates():
			return len(catalog) == 2
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
