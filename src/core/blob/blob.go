package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Store persists uploaded bytes and hands back an opaque handle. Delete
// is idempotent. Implementations compute the SHA-256 during Put so the
// job record can reuse it.
type Store interface {
	Put(ctx context.Context, data []byte, jobID, filename string) (handle, hash string, err error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

// HandlePath builds the shared object layout
// uploads/<date-shard>/<job-id>/<sanitized-name>.
func HandlePath(now time.Time, jobID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", now.UTC().Format("2006-01-02"), jobID, filename)
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
