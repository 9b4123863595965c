package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/drshumard/Larynx/internal/core/job"
)

// MinIOConfig は S3 互換ストレージの接続設定
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinIOStore は S3 互換オブジェクトストレージに音声ファイルを保存する
// PutObject は完了するまでオブジェクトを公開しないため、読み手が途中の内容を観測することはない。
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ job.ArtifactStore = (*MinIOStore)(nil)

// NewMinIOStore は新しい MinIOStore を作成する
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// EnsureBucket はバケットが無ければ作成する
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinIOStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *MinIOStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "audio/mpeg"})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *MinIOStore) Open(ctx context.Context, key string) (*job.Artifact, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, job.ErrArtifactNotReady
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return &job.Artifact{
		ReadSeekCloser: obj,
		Size:           info.Size,
		ModTime:        info.LastModified,
	}, nil
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
