package minioctrl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"nutriparse/src/core/blob"
)

// MinioService is the object-store backend of the blob contract. Handles
// are object keys inside a single uploads bucket, same layout as the
// filesystem backend.
type MinioService struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewMinioService(endpoint, accessKeyID, secretAccessKey, bucket string, useSSL bool) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}

	return &MinioService{client: client, bucket: bucket, now: time.Now}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
	}

	return nil
}

func (s *MinioService) Put(ctx context.Context, data []byte, jobID, filename string) (string, string, error) {
	handle := blob.HandlePath(s.now(), jobID, filename)

	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, handle, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to put object: %v", err)
	}

	return handle, blob.HashBytes(data), nil
}

func (s *MinioService) Get(ctx context.Context, handle string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, handle, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %v", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %v", err)
	}

	return data, nil
}

func (s *MinioService) Delete(ctx context.Context, handle string) error {
	err := s.client.RemoveObject(ctx, s.bucket, handle, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object: %v", err)
	}

	return nil
}

// DeleteMany removes a set of handles in one request.
func (s *MinioService) DeleteMany(ctx context.Context, handles []string) error {
	objectsCh := make(chan minio.ObjectInfo)

	go func() {
		defer close(objectsCh)
		for _, name := range handles {
			objectsCh <- minio.ObjectInfo{
				Key: name,
			}
		}
	}()

	for err := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if err.Err != nil {
			return fmt.Errorf("failed to delete object %s: %v", err.ObjectName, err.Err)
		}
	}

	return nil
}
