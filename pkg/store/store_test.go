package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)
	// Running schema creation again must not fail.
	assert.NoError(t, s.InitSchema(context.Background()))
}

func TestCreateAndCountContacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountContacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	id, err := s.CreateContact(ctx, Contact{FirstName: "Ada", LastName: "Lovelace", Company: "Analytical Engines"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err = s.CountContacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckpointLeavesReadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx))
	_, err = s.CreateContact(ctx, Contact{FirstName: "Grace", LastName: "Hopper"})
	require.NoError(t, err)

	require.NoError(t, s.Checkpoint(ctx))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size(), "checkpointed database file must contain data")
}
