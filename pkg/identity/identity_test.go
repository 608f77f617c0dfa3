package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "id")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	const want = "6f1c1f38-6a43-4c1e-9a53-2f5c3b1d8e90"
	require.NoError(t, os.WriteFile(path, []byte(want+"\n"), 0o644))

	got, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadOrCreateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	require.NoError(t, os.WriteFile(path, []byte("not-a-uuid"), 0o644))

	_, err := LoadOrCreate(path)
	assert.Error(t, err)
}
