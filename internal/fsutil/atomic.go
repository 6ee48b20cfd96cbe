// Package fsutil 提供建立在 afero 之上的檔案工具
//
// 所有持久化元件（checkpoint、DLQ、resume lock、event log）都透過 afero.Fs
// 存取檔案，測試時可以換成 afero.NewMemMapFs()。
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic 以「暫存檔 + fsync + rename」原子性寫入檔案
//
// 讀取端只會看到完整的舊檔或完整的新檔，不會看到寫到一半的內容。
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// 暫存檔必須和目標在同一個目錄，rename 才是原子操作
	tmpFile, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic 把 v 編碼為縮排 JSON 後原子性寫入
func WriteJSONAtomic(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(fs, path, data)
}

// ReadJSON 讀取並解碼 JSON 檔案，檔案不存在時回傳的錯誤滿足 errors.Is(err, os.ErrNotExist)
func ReadJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Exists 判斷路徑是否存在
func Exists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
