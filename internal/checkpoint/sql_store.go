package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver "sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose 的 dialect / base FS 是全域設定
var migrateMu sync.Mutex

// SQLConfig SQL store 設定
type SQLConfig struct {
	// Backend "postgres" 或 "sqlite"
	Backend  string
	DSN      string
	MaxConns int
}

// SQLStore 以 database/sql 保存 checkpoint（postgres 或 sqlite）
//
// 主鍵 (job_id, version) 加上 ON CONFLICT DO NOTHING 保證寫入後不可變更。
type SQLStore struct {
	db *sqlx.DB
}

func driverFor(backend string) (driver, dialect string, err error) {
	switch backend {
	case "postgres":
		return "pgx", "postgres", nil
	case "sqlite":
		return "sqlite3", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("checkpoint: unsupported sql backend %q", backend)
	}
}

// NewSQLStore 連線、檢查連線並執行 migration
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver, dialect, err := driverFor(cfg.Backend)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.Backend == "sqlite" {
		// sqlite 單一寫入者
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db.DB, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func migrate(db *sql.DB, dialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// Save 寫入新版本
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO checkpoints (job_id, version, phase, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, version) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query, cp.JobID, cp.Version, string(cp.Phase), cp.Timestamp.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s version %d", ErrVersionExists, cp.JobID, cp.Version)
	}
	return nil
}

// Load 讀取指定版本
func (s *SQLStore) Load(ctx context.Context, jobID string, version int) (*Checkpoint, error) {
	var data string
	query := s.db.Rebind(`SELECT data FROM checkpoints WHERE job_id = ? AND version = ?`)
	if err := s.db.GetContext(ctx, &data, query, jobID, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s version %d", ErrNotFound, jobID, version)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &cp, nil
}

// Versions 依遞增順序列出所有版本
func (s *SQLStore) Versions(ctx context.Context, jobID string) ([]int, error) {
	var versions []int
	query := s.db.Rebind(`SELECT version FROM checkpoints WHERE job_id = ? ORDER BY version ASC`)
	if err := s.db.SelectContext(ctx, &versions, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return versions, nil
}

// Delete 刪除指定版本（僅供保留策略使用）
func (s *SQLStore) Delete(ctx context.Context, jobID string, version int) error {
	query := s.db.Rebind(`DELETE FROM checkpoints WHERE job_id = ? AND version = ?`)
	if _, err := s.db.ExecContext(ctx, query, jobID, version); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Jobs 列出有 checkpoint 的 job
func (s *SQLStore) Jobs(ctx context.Context) ([]string, error) {
	var jobs []string
	if err := s.db.SelectContext(ctx, &jobs, `SELECT DISTINCT job_id FROM checkpoints ORDER BY job_id`); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Close 關閉連線
func (s *SQLStore) Close() error {
	return s.db.Close()
}
