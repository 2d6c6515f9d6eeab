package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestLocalStorageRoundTrip(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	err := s.Save(ctx, "acceptable-use.txt", strings.NewReader("No offensive language."))
	require.NoError(t, err)

	rc, err := s.Load(ctx, "acceptable-use.txt")
	require.NoError(t, err)
	assert.Equal(t, "No offensive language.", readAll(t, rc))
}

func TestLocalStorageSaveReplaces(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "policy.txt", strings.NewReader("first")))
	require.NoError(t, s.Save(ctx, "policy.txt", strings.NewReader("second")))

	rc, err := s.Load(ctx, "policy.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", readAll(t, rc))
}

func TestLocalStorageLoadMissing(t *testing.T) {
	s := newLocalStorage(t)

	_, err := s.Load(context.Background(), "missing.txt")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLocalStorageList(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, s.Save(ctx, "b.txt", strings.NewReader("b")))
	require.NoError(t, s.Save(ctx, "a.md", strings.NewReader("a")))

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.md", "b.txt"}, names)
}

func TestLocalStorageDelete(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "policy.txt", strings.NewReader("text")))
	require.NoError(t, s.Delete(ctx, "policy.txt"))

	_, err := s.Load(ctx, "policy.txt")
	assert.Error(t, err)

	// Deleting a missing document is not an error
	assert.NoError(t, s.Delete(ctx, "policy.txt"))
}

func TestLocalStorageDeleteAll(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "a.txt", strings.NewReader("a")))
	require.NoError(t, s.Save(ctx, "b.txt", strings.NewReader("b")))

	require.NoError(t, s.DeleteAll(ctx))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	// Storage stays usable after a wipe
	assert.NoError(t, s.Save(ctx, "c.txt", strings.NewReader("c")))
}

func TestLocalStorageSanitizesNames(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "my policy/v1.txt", strings.NewReader("text")))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"my_policy_v1.txt"}, names)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain.txt", want: "plain.txt"},
		{in: "has space.txt", want: "has_space.txt"},
		{in: "a/b\\c.md", want: "a_b_c.md"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in))
	}
}
