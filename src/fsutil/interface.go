package fsutil

import "io"

// FileStore provides an interface for file system operations
type FileStore interface {
	// ReadFile reads a file and returns its contents
	ReadFile(path string) ([]byte, error)

	// ReadFileAsStream opens a file and returns a reader
	ReadFileAsStream(path string) (io.ReadCloser, error)

	// WriteFileAtomic writes data to path by way of a temp file in the
	// same directory followed by a rename
	WriteFileAtomic(path string, data []byte) error

	// MakeDirectory creates a new directory and all necessary parents
	MakeDirectory(path string) error

	// Remove deletes a single file; missing files are not an error
	Remove(path string) error

	// RemoveAll removes a path and any children it contains
	RemoveAll(path string) error

	// GetFileStats returns the total count and size of files in a directory
	GetFileStats(path string) (count int, size int64, err error)
}
