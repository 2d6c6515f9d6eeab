package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptguard-backend/models"
	"promptguard-backend/storage"
)

type fakeChunkStore struct {
	sources map[string][]models.PolicyChunk

	countErr   error
	replaceErr error
	clearErr   error
	searchErr  error

	searchResult []models.PolicyChunk
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{sources: map[string][]models.PolicyChunk{}}
}

func (f *fakeChunkStore) Search(ctx context.Context, embedding []float64, limit int) ([]models.PolicyChunk, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.searchResult) > limit {
		return f.searchResult[:limit], nil
	}
	return f.searchResult, nil
}

func (f *fakeChunkStore) Count(ctx context.Context) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	total := 0
	for _, chunks := range f.sources {
		total += len(chunks)
	}
	return total, nil
}

func (f *fakeChunkStore) ReplaceSource(ctx context.Context, source string, chunks []models.PolicyChunk, embeddings [][]float64) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	if len(chunks) != len(embeddings) {
		return errors.New("chunk/embedding count mismatch")
	}
	f.sources[source] = chunks
	return nil
}

func (f *fakeChunkStore) Clear(ctx context.Context) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.sources = map[string][]models.PolicyChunk{}
	return nil
}

type fakeEmbedder struct {
	textErr    error
	batchErr   error
	textCalls  int
	batchCalls int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float64, error) {
	f.textCalls++
	if f.textErr != nil {
		return nil, f.textErr
	}
	vec := make([]float64, 768)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float64, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = make([]float64, 768)
		out[i][0] = 1
	}
	return out, nil
}

// flakyStorage makes DeleteAll fail while everything else works
type flakyStorage struct {
	storage.Storage
	deleteAllErr error
}

func (f *flakyStorage) DeleteAll(ctx context.Context) error {
	if f.deleteAllErr != nil {
		return f.deleteAllErr
	}
	return f.Storage.DeleteAll(ctx)
}

func newIndexService(t *testing.T, store *fakeChunkStore, embedder *fakeEmbedder) (*PolicyIndexService, storage.Storage) {
	t.Helper()
	docStore, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	svc := NewPolicyIndexService(
		IndexWithChunkStore(store),
		IndexWithEmbedder(embedder),
		IndexWithDocumentStorage(docStore),
	)
	return svc, docStore
}

func TestAddTextGeneratesName(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	name, err := svc.AddText(ctx, "No offensive language is permitted.", "")

	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^policy_[0-9a-f]{8}\.txt$`), name)
	assert.NotEmpty(t, store.sources[name])

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, listed, name)
}

func TestAddTextDistinctGeneratedNames(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	first, err := svc.AddText(ctx, "Policy one.", "")
	require.NoError(t, err)
	second, err := svc.AddText(ctx, "Policy two.", "")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestAddTextUsesProvidedName(t *testing.T) {
	store := newFakeChunkStore()
	svc, docStore := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	name, err := svc.AddText(ctx, "No offensive language.", "acceptable use")

	require.NoError(t, err)
	assert.Equal(t, "acceptable_use.txt", name)

	rc, err := docStore.Load(ctx, name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "No offensive language.", string(data))
}

func TestAddTextRejectsEmptyText(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})

	_, err := svc.AddText(context.Background(), "   \n", "rules")

	require.ErrorIs(t, err, ErrEmptyPolicyText)
	assert.Empty(t, store.sources)
}

func TestAddTextReplacesExistingDocument(t *testing.T) {
	store := newFakeChunkStore()
	svc, docStore := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	_, err := svc.AddText(ctx, "Original policy text.", "rules")
	require.NoError(t, err)
	_, err = svc.AddText(ctx, "Updated policy text.", "rules")
	require.NoError(t, err)

	require.Len(t, store.sources, 1)
	assert.Equal(t, "Updated policy text.", store.sources["rules.txt"][0].Content)

	rc, err := docStore.Load(ctx, "rules.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Updated policy text.", string(data))
}

func TestAddTextRollsBackDocumentOnIndexFailure(t *testing.T) {
	store := newFakeChunkStore()
	store.replaceErr = errors.New("db down")
	svc, _ := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	_, err := svc.AddText(ctx, "Some policy.", "rules")

	require.Error(t, err)
	listed, lerr := svc.List(ctx)
	require.NoError(t, lerr)
	assert.Empty(t, listed, "failed ingestion should not leave a stored document behind")
}

func TestAddTextEmbeddingFailureLeavesNothing(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{batchErr: errors.New("quota exceeded")})
	ctx := context.Background()

	_, err := svc.AddText(ctx, "Some policy.", "rules")

	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Empty(t, store.sources)

	listed, lerr := svc.List(ctx)
	require.NoError(t, lerr)
	assert.Empty(t, listed)
}

func TestAddDocument(t *testing.T) {
	store := newFakeChunkStore()
	svc, docStore := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "security-policy.md")
	require.NoError(t, os.WriteFile(path, []byte("All access must be logged."), 0644))

	name, err := svc.AddDocument(ctx, path, "")

	require.NoError(t, err)
	assert.Equal(t, "security-policy.md", name)
	assert.NotEmpty(t, store.sources[name])

	rc, err := docStore.Load(ctx, name)
	require.NoError(t, err)
	rc.Close()
}

func TestAddDocumentWithExplicitName(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "upload_1234.md")
	require.NoError(t, os.WriteFile(path, []byte("All access must be logged."), 0644))

	name, err := svc.AddDocument(ctx, path, "security")

	require.NoError(t, err)
	assert.Equal(t, "security.md", name)
}

func TestAddDocumentMissingPath(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})

	_, err := svc.AddDocument(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), "")

	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestListFiltersAndSorts(t *testing.T) {
	store := newFakeChunkStore()
	svc, docStore := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	require.NoError(t, docStore.Save(ctx, "b.txt", strings.NewReader("b")))
	require.NoError(t, docStore.Save(ctx, "a.md", strings.NewReader("a")))
	require.NoError(t, docStore.Save(ctx, "notes.bin", strings.NewReader("x")))

	listed, err := svc.List(ctx)

	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.txt"}, listed)
}

func TestClear(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})
	ctx := context.Background()

	_, err := svc.AddText(ctx, "Some policy.", "rules")
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx))

	count, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)

	// The index stays usable after a clear
	_, err = svc.AddText(ctx, "New policy.", "fresh")
	assert.NoError(t, err)
}

func TestClearFailsWhenIndexResetFails(t *testing.T) {
	store := newFakeChunkStore()
	store.clearErr = errors.New("db down")
	svc, _ := newIndexService(t, store, &fakeEmbedder{})

	assert.Error(t, svc.Clear(context.Background()))
}

func TestClearSucceedsDespiteDocumentDeletionFailure(t *testing.T) {
	store := newFakeChunkStore()
	docStore, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	svc := NewPolicyIndexService(
		IndexWithChunkStore(store),
		IndexWithEmbedder(&fakeEmbedder{}),
		IndexWithDocumentStorage(&flakyStorage{Storage: docStore, deleteAllErr: errors.New("disk error")}),
	)
	ctx := context.Background()

	_, err = svc.AddText(ctx, "Some policy.", "rules")
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx))

	count, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestInitializeRebuildsFromDocuments(t *testing.T) {
	store := newFakeChunkStore()
	embedder := &fakeEmbedder{}
	svc, docStore := newIndexService(t, store, embedder)
	ctx := context.Background()

	require.NoError(t, docStore.Save(ctx, "a.txt", strings.NewReader("Policy A text.")))
	require.NoError(t, docStore.Save(ctx, "b.md", strings.NewReader("Policy B text.")))
	require.NoError(t, docStore.Save(ctx, "skip.bin", strings.NewReader("not a policy")))

	require.NoError(t, svc.Initialize(ctx))

	assert.NotEmpty(t, store.sources["a.txt"])
	assert.NotEmpty(t, store.sources["b.md"])
	assert.NotContains(t, store.sources, "skip.bin")
}

func TestInitializeSkipsWhenIndexPopulated(t *testing.T) {
	store := newFakeChunkStore()
	store.sources["existing.txt"] = []models.PolicyChunk{{Source: "existing.txt", Content: "text"}}
	embedder := &fakeEmbedder{}
	svc, docStore := newIndexService(t, store, embedder)
	ctx := context.Background()

	require.NoError(t, docStore.Save(ctx, "new.txt", strings.NewReader("New policy.")))

	require.NoError(t, svc.Initialize(ctx))

	assert.Zero(t, embedder.batchCalls, "a populated index should be reused without re-embedding")
}

func TestInitializeEmptyStorage(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{})

	require.NoError(t, svc.Initialize(context.Background()))

	count, err := svc.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestInitializeFailsWhenIndexUnreachable(t *testing.T) {
	store := newFakeChunkStore()
	store.countErr = errors.New("connection refused")
	svc, _ := newIndexService(t, store, &fakeEmbedder{})

	assert.Error(t, svc.Initialize(context.Background()))
}

func TestInitializeFailsWhenNothingIndexable(t *testing.T) {
	store := newFakeChunkStore()
	svc, docStore := newIndexService(t, store, &fakeEmbedder{batchErr: errors.New("quota exceeded")})
	ctx := context.Background()

	require.NoError(t, docStore.Save(ctx, "a.txt", strings.NewReader("Policy A text.")))

	assert.Error(t, svc.Initialize(ctx))
}

func TestRetrieve(t *testing.T) {
	store := newFakeChunkStore()
	store.searchResult = []models.PolicyChunk{
		{Source: "a.txt", Sequence: 0, Content: "closest", Distance: 0.1},
		{Source: "b.txt", Sequence: 0, Content: "further", Distance: 0.4},
	}
	embedder := &fakeEmbedder{}
	svc, _ := newIndexService(t, store, embedder)

	chunks, err := svc.Retrieve(context.Background(), "is this allowed?", 5)

	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "closest", chunks[0].Content)
	assert.Equal(t, 1, embedder.textCalls)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	store := newFakeChunkStore()
	svc, _ := newIndexService(t, store, &fakeEmbedder{textErr: errors.New("quota exceeded")})

	_, err := svc.Retrieve(context.Background(), "is this allowed?", 5)

	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}
