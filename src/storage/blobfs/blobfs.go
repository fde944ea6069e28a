package blobfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nutriparse/src/core/blob"
	"nutriparse/src/fsutil"
)

// BlobStore keeps uploads on the local filesystem under a root
// directory. Handles are the relative path
// uploads/<date>/<job-id>/<name>, so records stay portable between the
// fs and object-store backends.
type BlobStore struct {
	root string
	fs   fsutil.FileStore
	now  func() time.Time
}

func NewBlobStore(root string) (*BlobStore, error) {
	fs := fsutil.NewLocalFileStore()
	if err := fs.MakeDirectory(root); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &BlobStore{root: root, fs: fs, now: time.Now}, nil
}

func (s *BlobStore) Put(ctx context.Context, data []byte, jobID, filename string) (string, string, error) {
	handle := blob.HandlePath(s.now(), jobID, filename)
	if err := s.fs.WriteFileAtomic(filepath.Join(s.root, filepath.FromSlash(handle)), data); err != nil {
		return "", "", fmt.Errorf("failed to store blob: %w", err)
	}
	return handle, blob.HashBytes(data), nil
}

func (s *BlobStore) Get(ctx context.Context, handle string) ([]byte, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found", handle)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *BlobStore) Delete(ctx context.Context, handle string) error {
	path, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	// drop the now-empty job directory, ignoring shared parents
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// Stats reports file count and total size under the root.
func (s *BlobStore) Stats() (int, int64, error) {
	var count int
	var size int64
	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
			size += info.Size()
		}
		return nil
	})
	return count, size, err
}

func (s *BlobStore) resolve(handle string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(handle))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob handle %q", handle)
	}
	return filepath.Join(s.root, clean), nil
}
