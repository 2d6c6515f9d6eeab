package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"promptguard-backend/ai"
	"promptguard-backend/chunker"
	"promptguard-backend/models"
	"promptguard-backend/storage"

	"github.com/google/uuid"
)

var (
	ErrEmptyPolicyText  = errors.New("policy text is empty")
	ErrDocumentNotFound = errors.New("policy document not found")
	ErrEmbeddingFailed  = errors.New("failed to generate embedding")
	ErrRetrievalFailed  = errors.New("failed to retrieve policy context")
)

// policyExtensions lists the document types recognized as policy sources
var policyExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".json": true,
}

func isPolicyDocument(name string) bool {
	return policyExtensions[strings.ToLower(filepath.Ext(name))]
}

// ChunkStore is what the index needs from the chunk repository
type ChunkStore interface {
	Search(ctx context.Context, embedding []float64, limit int) ([]models.PolicyChunk, error)
	Count(ctx context.Context) (int, error)
	ReplaceSource(ctx context.Context, source string, chunks []models.PolicyChunk, embeddings [][]float64) error
	Clear(ctx context.Context) error
}

// Embedder is what the index needs from the AI client
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float64, error)
}

// PolicyIndexService owns the policy index and the policy document store.
// It is the sole writer of both: every mutation goes through it, serialized
// by an internal lock, so concurrent verifications never read a half-updated
// index.
type PolicyIndexService struct {
	chunkRepo ChunkStore
	embedder  Embedder
	docStore  storage.Storage
	splitter  *chunker.Chunker

	mu sync.RWMutex
}

// PolicyIndexServiceOption is a functional option for PolicyIndexService
type PolicyIndexServiceOption func(*PolicyIndexService)

// IndexWithChunkStore sets the chunk repository
func IndexWithChunkStore(repo ChunkStore) PolicyIndexServiceOption {
	return func(s *PolicyIndexService) {
		s.chunkRepo = repo
	}
}

// IndexWithEmbedder sets the embedding client
func IndexWithEmbedder(embedder Embedder) PolicyIndexServiceOption {
	return func(s *PolicyIndexService) {
		s.embedder = embedder
	}
}

// IndexWithDocumentStorage sets the policy document store
func IndexWithDocumentStorage(store storage.Storage) PolicyIndexServiceOption {
	return func(s *PolicyIndexService) {
		s.docStore = store
	}
}

// IndexWithChunker sets the document splitter
func IndexWithChunker(splitter *chunker.Chunker) PolicyIndexServiceOption {
	return func(s *PolicyIndexService) {
		s.splitter = splitter
	}
}

// NewPolicyIndexService creates a new policy index service
func NewPolicyIndexService(opts ...PolicyIndexServiceOption) *PolicyIndexService {
	s := &PolicyIndexService{
		splitter: chunker.NewDefault(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize prepares the index for serving. A populated index is used
// as-is; an empty one is rebuilt from the stored policy documents. The
// error return is fatal: it means the index backend or document storage is
// unreachable, or no stored document could be indexed at all.
func (s *PolicyIndexService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.chunkRepo.Count(ctx)
	if err != nil {
		return fmt.Errorf("policy index is unreachable: %w", err)
	}
	if count > 0 {
		log.Printf("Policy index ready (%d chunks)", count)
		return nil
	}

	names, err := s.docStore.List(ctx)
	if err != nil {
		return fmt.Errorf("policy document storage is unreachable: %w", err)
	}

	eligible, indexed := 0, 0
	for _, name := range names {
		if !isPolicyDocument(name) {
			continue
		}
		eligible++

		rc, err := s.docStore.Load(ctx, name)
		if err != nil {
			log.Printf("Skipping policy document %s: %v", name, err)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			log.Printf("Skipping policy document %s: %v", name, err)
			continue
		}

		if err := s.indexDocument(ctx, name, string(data), false); err != nil {
			log.Printf("Failed to index policy document %s: %v", name, err)
			continue
		}
		indexed++
	}

	if eligible > 0 && indexed == 0 {
		return fmt.Errorf("failed to index any of %d policy documents", eligible)
	}

	log.Printf("Policy index initialized (%d documents indexed)", indexed)
	return nil
}

// AddText indexes a block of policy text as one logical document and stores
// the raw text for future reloads. An empty name gets a generated one;
// reusing a name replaces that document. Returns the document name used.
func (s *PolicyIndexService) AddText(ctx context.Context, text, name string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyPolicyText
	}

	if name == "" {
		name = "policy_" + uuid.New().String()[:8]
	}
	docName := name
	if !isPolicyDocument(docName) {
		docName += ".txt"
	}
	docName = storage.SanitizeName(docName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.indexDocument(ctx, docName, text, true); err != nil {
		return "", err
	}

	log.Printf("Added policy %s", docName)
	return docName, nil
}

// AddDocument indexes an existing readable file as a policy document. An
// empty name derives one from the filename. Returns the document name used.
func (s *PolicyIndexService) AddDocument(ctx context.Context, path, name string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return "", fmt.Errorf("failed to read policy document: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", ErrEmptyPolicyText
	}

	if name == "" {
		name = filepath.Base(path)
	}
	docName := name
	if !isPolicyDocument(docName) {
		if ext := strings.ToLower(filepath.Ext(path)); policyExtensions[ext] {
			docName += ext
		} else {
			docName += ".txt"
		}
	}
	docName = storage.SanitizeName(docName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.indexDocument(ctx, docName, string(data), true); err != nil {
		return "", err
	}

	log.Printf("Added policy document %s", docName)
	return docName, nil
}

// indexDocument chunks, embeds and indexes one document. With persist set,
// the raw text is written to the document store first and removed again if
// indexing fails, so storage and index stay in step. Callers hold the write
// lock.
func (s *PolicyIndexService) indexDocument(ctx context.Context, name, text string, persist bool) error {
	chunks := s.splitter.Split(text, name)
	if len(chunks) == 0 {
		return ErrEmptyPolicyText
	}

	contents := make([]string, len(chunks))
	for i, chunk := range chunks {
		contents[i] = chunk.Content
	}

	embeddings, err := s.embedder.EmbedBatch(ctx, contents, ai.TaskRetrievalDocument)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if persist {
		if err := s.docStore.Save(ctx, name, strings.NewReader(text)); err != nil {
			return fmt.Errorf("failed to save policy document: %w", err)
		}
	}

	if err := s.chunkRepo.ReplaceSource(ctx, name, chunks, embeddings); err != nil {
		if persist {
			if derr := s.docStore.Delete(ctx, name); derr != nil {
				log.Printf("Failed to roll back document %s: %v", name, derr)
			}
		}
		return fmt.Errorf("failed to index chunks: %w", err)
	}

	return nil
}

// List enumerates the stored policy document names in lexicographic order
func (s *PolicyIndexService) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.docStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy documents: %w", err)
	}

	policies := make([]string, 0, len(names))
	for _, name := range names {
		if isPolicyDocument(name) {
			policies = append(policies, name)
		}
	}
	sort.Strings(policies)
	return policies, nil
}

// Clear destroys the index and all policy documents, then leaves an empty
// but fully queryable index behind. Failing to remove individual documents
// is logged but does not fail the clear; failing to reset the index does.
func (s *PolicyIndexService) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.chunkRepo.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear policy index: %w", err)
	}

	if err := s.docStore.DeleteAll(ctx); err != nil {
		log.Printf("Warning: failed to remove some policy documents: %v", err)
	}

	log.Println("Policy index cleared")
	return nil
}

// Count returns the number of indexed chunks
func (s *PolicyIndexService) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.chunkRepo.Count(ctx)
}

// Retrieve returns the indexed chunks most similar to the prompt, closest
// first. An empty index yields an empty slice.
func (s *PolicyIndexService) Retrieve(ctx context.Context, prompt string, topK int) ([]models.PolicyChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	embedding, err := s.embedder.EmbedText(ctx, prompt, ai.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	chunks, err := s.chunkRepo.Search(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	return chunks, nil
}
