package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/fsutil"
)

// 檔案佈局：
//
//	<dir>/<job_id>/checkpoint-000001.json
//	<dir>/<job_id>/checkpoint-000002.json
const (
	filePrefix = "checkpoint-"
	fileSuffix = ".json"
)

// FileStore 以 afero 檔案系統保存 checkpoint，每個版本一個檔案
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore 建立檔案 store
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (s *FileStore) path(jobID string, version int) string {
	return filepath.Join(s.dir, jobID, fmt.Sprintf("%s%06d%s", filePrefix, version, fileSuffix))
}

// Save 原子性寫入；版本已存在時回傳 ErrVersionExists
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(cp.JobID, cp.Version)
	if fsutil.Exists(s.fs, path) {
		return fmt.Errorf("%w: job %s version %d", ErrVersionExists, cp.JobID, cp.Version)
	}
	if err := fsutil.WriteJSONAtomic(s.fs, path, cp); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load 讀取指定版本
func (s *FileStore) Load(_ context.Context, jobID string, version int) (*Checkpoint, error) {
	var cp Checkpoint
	if err := fsutil.ReadJSON(s.fs, s.path(jobID, version), &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: job %s version %d", ErrNotFound, jobID, version)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &cp, nil
}

// Versions 依遞增順序列出所有版本
func (s *FileStore) Versions(_ context.Context, jobID string) ([]int, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.dir, jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var versions []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil || v <= 0 {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// Delete 刪除指定版本（僅供保留策略使用）
func (s *FileStore) Delete(_ context.Context, jobID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path(jobID, version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Jobs 列出有 checkpoint 的 job
func (s *FileStore) Jobs(_ context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var jobs []string
	for _, e := range entries {
		if e.IsDir() {
			jobs = append(jobs, e.Name())
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// Close no-op
func (s *FileStore) Close() error { return nil }
