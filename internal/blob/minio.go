// Package blob stores the original uploaded source files in object
// storage. The upload pipeline writes them; the API only reads, to serve
// downloads and to hand the assistant the original filetype context.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

func NewStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	s := &Store{client: client, bucket: bucket}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Put(ctx context.Context, documentID, filename string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(documentID, filename), reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put source file: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, documentID, filename string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(documentID, filename), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get source file: %w", err)
	}
	return obj, nil
}

func (s *Store) Remove(ctx context.Context, documentID, filename string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(documentID, filename), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove source file: %w", err)
	}
	return nil
}

func objectKey(documentID, filename string) string {
	return documentID + "/" + filename
}
