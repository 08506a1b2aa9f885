package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// entry is the persisted index record for one stored blob.
type entry struct {
	RelPath      string `json:"rel_path"`
	MIME         string `json:"mime"`
	OriginalName string `json:"original_name"`
	Source       string `json:"source"`
}

// FileStore implements ctxmgr.BlobStore on the local filesystem, mirroring
// internal/artifacts.LocalStore's atomic-write-plus-JSON-index approach.
type FileStore struct {
	mu        sync.RWMutex
	basePath  string
	indexPath string
	index     map[string]entry // content hash -> entry
}

// NewFileStore creates (if needed) basePath and loads its index.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create directory: %w", err)
	}
	s := &FileStore{
		basePath:  basePath,
		indexPath: filepath.Join(basePath, "index.json"),
		index:     make(map[string]entry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Store implements ctxmgr.BlobStore. Content-addressed: re-storing
// identical bytes returns the same uri without rewriting the file.
func (s *FileStore) Store(ctx context.Context, data []byte, mime, originalName, source string) (string, error) {
	id := contentHash(data)
	uri := models.BlobRefPrefix + id

	s.mu.RLock()
	_, exists := s.index[id]
	s.mu.RUnlock()
	if exists {
		return uri, nil
	}

	relPath := id[:2] + "/" + id
	filePath := filepath.Join(s.basePath, relPath)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: create blob dir: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: write blob: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blobstore: rename blob: %w", err)
	}

	s.mu.Lock()
	s.index[id] = entry{RelPath: relPath, MIME: mime, OriginalName: originalName, Source: source}
	err := s.persistIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("blobstore: persist index: %w", err)
	}
	return uri, nil
}

// Read implements ctxmgr.BlobStore.
func (s *FileStore) Read(ctx context.Context, uri string) ([]byte, string, error) {
	id := uri
	if len(uri) >= len(models.BlobRefPrefix) && uri[:len(models.BlobRefPrefix)] == models.BlobRefPrefix {
		id = uri[len(models.BlobRefPrefix):]
	}

	s.mu.RLock()
	e, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("blobstore: blob not found: %s", id)
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, e.RelPath))
	if err != nil {
		return nil, "", fmt.Errorf("blobstore: read blob: %w", err)
	}
	return data, e.MIME, nil
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("blobstore: read index: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var stored map[string]entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("blobstore: parse index: %w", err)
	}
	if stored != nil {
		s.index = stored
	}
	return nil
}

func (s *FileStore) persistIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := s.indexPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.indexPath)
}
