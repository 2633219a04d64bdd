// Package repositorytest opens throwaway SQLite repositories for tests.
package repositorytest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"caseflow/internal/repository"
)

// New returns a migrated repository backed by a file in t.TempDir. It is
// closed when the test ends.
func New(t testing.TB) *repository.SQLRepository {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "caseflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}
