// Package blob stores uploaded evidence files as opaque keyed objects.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Stored describes a persisted object.
type Stored struct {
	Key       string
	SizeBytes int64
}

// Store is a plain key-value blob store. Keys are generated on save and
// recorded on the owning evidence item as its storage location.
type Store interface {
	Save(ctx context.Context, caseID, filename string, r io.Reader) (Stored, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// BuildKey generates the storage key for one uploaded file. The random
// component keeps repeated uploads of the same filename from colliding.
func BuildKey(caseID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return fmt.Sprintf("cases/%s/%s%s", caseID, uuid.NewString(), ext)
}

// FSStore keeps blobs on the local filesystem under a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) Save(_ context.Context, caseID, filename string, r io.Reader) (Stored, error) {
	key := BuildKey(caseID, filename)
	path := filepath.Join(s.root, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Stored{}, fmt.Errorf("blob: prepare dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return Stored{}, fmt.Errorf("blob: create %s: %w", key, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return Stored{}, fmt.Errorf("blob: write %s: %w", key, err)
	}
	return Stored{Key: key, SizeBytes: n}, nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", key, err)
	}
	return f, nil
}
