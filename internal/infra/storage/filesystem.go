package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/drshumard/Larynx/internal/core/job"
)

// FileStore はローカルディレクトリに音声ファイルを保存する
// 書き込みは同じディレクトリ内の一時ファイルに行い、fsync 後に rename で公開する。
type FileStore struct {
	dir string
}

var _ job.ArtifactStore = (*FileStore)(nil)

// NewFileStore は dir を保存先とする FileStore を作成する
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir は保存先ディレクトリを返す
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid artifact key: %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Put は data を key に原子的に書き込む
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (err error) {
	final, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod artifact: %w", err)
	}
	if err = os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	return nil
}

// Open は key のファイルをシーク可能なストリームとして開く
func (s *FileStore) Open(ctx context.Context, key string) (*job.Artifact, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, job.ErrArtifactNotReady
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	return &job.Artifact{
		ReadSeekCloser: f,
		Size:           info.Size(),
		ModTime:        info.ModTime(),
	}, nil
}

// Delete は key のファイルを削除する
func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
