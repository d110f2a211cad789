package fragment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "fragments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestSQLiteSaveResultIsIdempotentPerRun(t *testing.T) {
	testSaveResultIdempotent(t, context.Background(), newSQLiteStore(t))
}

func TestSQLiteListMessages(t *testing.T) {
	testListMessages(t, context.Background(), newSQLiteStore(t))
}

func testSaveResultIdempotent(t *testing.T, ctx context.Context, store Store) {
	t.Helper()
	res := Result{
		RunID:      "run-idem",
		ProjectID:  "p-idem",
		Output:     "done",
		SandboxURL: "https://3000-sbx.local",
		Files:      map[string]string{"app.txt": "hello"},
	}

	first, err := store.SaveResult(ctx, res)
	require.NoError(t, err)
	second, err := store.SaveResult(ctx, res)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, map[string]string{"app.txt": "hello"}, second.Files)
	assert.Empty(t, second.Summary)

	messages, err := store.ListMessages(ctx, "p-idem")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func testListMessages(t *testing.T, ctx context.Context, store Store) {
	t.Helper()
	user, err := NewUserMessage("p-list", "create app.txt")
	require.NoError(t, err)
	user.CreatedAt = time.Now().UTC().Add(-time.Second)
	_, err = store.CreateMessage(ctx, user)
	require.NoError(t, err)

	_, err = store.SaveResult(ctx, Result{
		RunID:      "run-list",
		ProjectID:  "p-list",
		Output:     "Created the file.",
		SandboxURL: "https://3000-sbx.local",
		Files:      map[string]string{"app.txt": "hello"},
		Summary:    "Wrote app.txt",
	})
	require.NoError(t, err)

	_, err = store.CreateMessage(ctx, NewErrorMessage("p-other"))
	require.NoError(t, err)

	messages, err := store.ListMessages(ctx, "p-list")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Nil(t, messages[0].Fragment)

	result := messages[1]
	assert.Equal(t, RoleAssistant, result.Role)
	assert.Equal(t, TypeResult, result.Type)
	require.NotNil(t, result.Fragment)
	assert.Equal(t, Title, result.Fragment.Title)
	assert.Equal(t, "https://3000-sbx.local", result.Fragment.SandboxURL)
	assert.Equal(t, map[string]string{"app.txt": "hello"}, result.Fragment.Files)
	assert.Equal(t, "Wrote app.txt", result.Fragment.Summary)
	assert.Equal(t, "run-list", result.Fragment.RunID)
}
