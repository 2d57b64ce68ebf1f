package secretstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"memory": memStore{},
		"file":   NewFileStore(filepath.Join(t.TempDir(), "secrets")),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			const key = "token_localhost_10000"

			_, err := s.Get(key)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(key, []byte("hunter2")))
			got, err := s.Get(key)
			require.NoError(t, err)
			assert.Equal(t, "hunter2", string(got))

			require.NoError(t, s.Delete(key))
			_, err = s.Get(key)
			assert.ErrorIs(t, err, ErrNotFound, "expected miss after delete")
			assert.ErrorIs(t, s.Delete(key), ErrNotFound)
		})
	}
}

func TestFileStorePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	s := NewFileStore(dir)
	require.NoError(t, s.Put("token_a", []byte("x")))

	info, err := os.Stat(filepath.Join(dir, "token_a"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDefaultDirFromEnv(t *testing.T) {
	t.Setenv("JACS_STORAGE_SECRETS_DIR", "/run/jacs/secrets")
	assert.Equal(t, "/run/jacs/secrets", DefaultDir())
}

func TestTokenHelpers(t *testing.T) {
	s := memStore{}
	assert.Equal(t, "token_agent-1_10000", TokenName("agent-1:10000"))

	require.NoError(t, SaveToken(s, "agent-1:10000", "abc\n"))
	tok, err := LoadToken(s, "agent-1:10000")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok, "token should be trimmed")

	_, err = LoadToken(s, "other:1")
	assert.ErrorIs(t, err, ErrNotFound)
}
