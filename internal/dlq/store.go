package dlq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/fsutil"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Store DLQ 持久化介面
//
// List 依 first_attempt 由舊到新排序（相同時依 item id）。
type Store interface {
	Put(ctx context.Context, jobID string, e *Entry) error
	Get(ctx context.Context, jobID string, id types.ItemID) (*Entry, error)
	Delete(ctx context.Context, jobID string, id types.ItemID) error
	List(ctx context.Context, jobID string) ([]*Entry, error)
	Count(ctx context.Context, jobID string) (int, error)
	Jobs(ctx context.Context) ([]string, error)
	Close() error
}

func sortByFirstAttempt(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].FirstAttempt.Equal(entries[j].FirstAttempt) {
			return entries[i].FirstAttempt.Before(entries[j].FirstAttempt)
		}
		return entries[i].ItemID < entries[j].ItemID
	})
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore 以檔案保存 DLQ：
//
//	<dir>/<job>/items/<escaped item id>.json
//	<dir>/<job>/index.json
//
// index 記錄每個項目的 first_attempt，Count 與排序不需讀取全部項目。
type FileStore struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
}

type indexFile struct {
	Items     map[types.ItemID]time.Time `json:"items"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewFileStore 建立檔案型 DLQ store
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.dir, jobID)
}

func (s *FileStore) itemPath(jobID string, id types.ItemID) string {
	return filepath.Join(s.jobDir(jobID), "items", url.PathEscape(string(id))+".json")
}

func (s *FileStore) indexPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "index.json")
}

func (s *FileStore) readIndex(jobID string) (*indexFile, error) {
	idx := &indexFile{Items: make(map[types.ItemID]time.Time)}
	err := fsutil.ReadJSON(s.fs, s.indexPath(jobID), idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read dlq index: %w", err)
	}
	if idx.Items == nil {
		idx.Items = make(map[types.ItemID]time.Time)
	}
	return idx, nil
}

func (s *FileStore) writeIndex(jobID string, idx *indexFile) error {
	idx.UpdatedAt = time.Now().UTC()
	return fsutil.WriteJSONAtomic(s.fs, s.indexPath(jobID), idx)
}

// Put 寫入（或覆蓋）項目
func (s *FileStore) Put(_ context.Context, jobID string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fsutil.WriteJSONAtomic(s.fs, s.itemPath(jobID, e.ItemID), e); err != nil {
		return fmt.Errorf("failed to write dlq item %s: %w", e.ItemID, err)
	}
	idx, err := s.readIndex(jobID)
	if err != nil {
		return err
	}
	idx.Items[e.ItemID] = e.FirstAttempt
	return s.writeIndex(jobID, idx)
}

// Get 讀取項目
func (s *FileStore) Get(_ context.Context, jobID string, id types.ItemID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(jobID, id)
}

func (s *FileStore) getLocked(jobID string, id types.ItemID) (*Entry, error) {
	var e Entry
	if err := fsutil.ReadJSON(s.fs, s.itemPath(jobID, id), &e); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &e, nil
}

// Delete 刪除項目；不存在時回傳 ErrNotFound
func (s *FileStore) Delete(_ context.Context, jobID string, id types.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(jobID)
	if err != nil {
		return err
	}
	err = s.fs.Remove(s.itemPath(jobID, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove dlq item %s: %w", id, err)
	}
	_, indexed := idx.Items[id]
	if err != nil && !indexed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(idx.Items, id)
	return s.writeIndex(jobID, idx)
}

// List 依 first_attempt 排序回傳全部項目
func (s *FileStore) List(_ context.Context, jobID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(jobID)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(idx.Items))
	for id := range idx.Items {
		e, err := s.getLocked(jobID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// index 與檔案不一致時以檔案為準
				continue
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	sortByFirstAttempt(entries)
	return entries, nil
}

// Count 項目數
func (s *FileStore) Count(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(jobID)
	if err != nil {
		return 0, err
	}
	return len(idx.Items), nil
}

// Jobs 有 DLQ 資料的 job
func (s *FileStore) Jobs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []string
	for _, info := range infos {
		if info.IsDir() && fsutil.Exists(s.fs, s.indexPath(info.Name())) {
			jobs = append(jobs, info.Name())
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// Close no-op
func (s *FileStore) Close() error { return nil }
