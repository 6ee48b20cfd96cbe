package agent

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/fsutil"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// DirIsolation 為每個 agent 建立獨立目錄
//
//	<root>/<agent id>/item.json
//
// Destroy 移除整個目錄。
type DirIsolation struct {
	fs   afero.Fs
	root string
}

// NewDirIsolation 建立目錄隔離
func NewDirIsolation(fs afero.Fs, root string) *DirIsolation {
	return &DirIsolation{fs: fs, root: root}
}

// CreateScope implements Isolation
func (d *DirIsolation) CreateScope(_ context.Context, item types.WorkItem, agentID string) (Scope, error) {
	if agentID == "" {
		return Scope{}, IsolationError("create scope", fmt.Errorf("empty agent id for item %s", item.ID))
	}
	dir := filepath.Join(d.root, url.PathEscape(agentID))
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return Scope{}, IsolationError("create scope", err)
	}
	if err := fsutil.WriteJSONAtomic(d.fs, filepath.Join(dir, "item.json"), item); err != nil {
		_ = d.fs.RemoveAll(dir)
		return Scope{}, IsolationError("create scope", err)
	}
	return Scope{ID: agentID, Dir: dir}, nil
}

// Destroy implements Isolation
func (d *DirIsolation) Destroy(_ context.Context, scope Scope) error {
	if scope.Dir == "" {
		return nil
	}
	if err := d.fs.RemoveAll(scope.Dir); err != nil {
		return IsolationError("destroy scope", err)
	}
	return nil
}

// NoIsolation 不建立任何目錄，所有項目在同一個目錄執行
type NoIsolation struct {
	Dir string
}

// CreateScope implements Isolation
func (n NoIsolation) CreateScope(_ context.Context, _ types.WorkItem, agentID string) (Scope, error) {
	return Scope{ID: agentID, Dir: n.Dir}, nil
}

// Destroy implements Isolation
func (NoIsolation) Destroy(context.Context, Scope) error { return nil }
