// ============================================================================
// Beaver-Jobs Configuration
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 設定檔，展開環境變數，補上預設值並驗證
//
// 設定檔結構:
//   job:      job 定義（輸入、管線、agent 命令、setup / reduce、重試、失敗策略）
//   storage:  狀態目錄、checkpoint / DLQ 後端、歸檔
//   logging:  log 等級與格式
//   metrics:  Prometheus 端點
//
// ${VAR} 在解析之前展開，只展開環境中有設定的變數；其餘保留原樣，
// 留給 agent 命令與 setup / reduce 步驟的 ${item.x}、${var} 展開。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/pipeline"
	"github.com/ChuLiYu/beaver-jobs/internal/retry"
)

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整設定
type Config struct {
	Job     JobConfig     `yaml:"job"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// JobConfig job 定義
type JobConfig struct {
	Name string `yaml:"name"`

	// 輸入：JSON 檔案路徑，可引用 setup 擷取的變數（${var}）
	Input    string          `yaml:"input"`
	Pipeline pipeline.Config `yaml:"pipeline"`

	Setup  []agent.Step `yaml:"setup,omitempty"`
	Agent  AgentConfig  `yaml:"agent"`
	Reduce []agent.Step `yaml:"reduce,omitempty"`

	MaxParallel     int `yaml:"max_parallel"`
	CheckpointEvery int `yaml:"checkpoint_every"`

	Retry          retry.Config        `yaml:"retry"`
	CircuitBreaker retry.BreakerConfig `yaml:"circuit_breaker"`

	// on_item_failure: dlq | retry | skip | stop
	OnItemFailure    string  `yaml:"on_item_failure"`
	MaxGlobalRetries int     `yaml:"max_global_retries"`
	MaxFailures      int     `yaml:"max_failures"`
	FailureThreshold float64 `yaml:"failure_threshold"`

	DLQMaxItems     int           `yaml:"dlq_max_items"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentConfig map 階段每個項目執行的命令
type AgentConfig struct {
	Command string        `yaml:"command"`
	Shell   string        `yaml:"shell,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// isolation: dir | none
	Isolation string   `yaml:"isolation"`
	Env       []string `yaml:"env,omitempty"`
}

// StorageConfig 持久化設定
type StorageConfig struct {
	StateDir string `yaml:"state_dir"`

	// checkpoint_backend: file | postgres | sqlite
	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointDSN     string `yaml:"checkpoint_dsn,omitempty"`
	CheckpointRetain  int    `yaml:"checkpoint_retain"`

	// archive_backend: none | file | s3
	ArchiveBackend string   `yaml:"archive_backend"`
	ArchiveDir     string   `yaml:"archive_dir,omitempty"`
	S3             S3Config `yaml:"s3"`

	// dlq_backend: file | redis
	DLQBackend string          `yaml:"dlq_backend"`
	Redis      dlq.RedisConfig `yaml:"redis"`

	EventBufferSize    int           `yaml:"event_buffer_size"`
	EventFlushInterval time.Duration `yaml:"event_flush_interval"`
}

// S3Config S3 歸檔設定
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// LoggingConfig log 設定
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default 回傳所有預設值
func Default() *Config {
	return &Config{
		Job: JobConfig{
			Agent:            AgentConfig{Shell: "sh", Isolation: "dir"},
			MaxParallel:      4,
			CheckpointEvery:  10,
			Retry:            retry.DefaultConfig(),
			CircuitBreaker:   retry.DefaultBreakerConfig(),
			OnItemFailure:    "dlq",
			MaxGlobalRetries: 10,
			DLQMaxItems:      dlq.DefaultMaxItems,
			ShutdownTimeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			StateDir:           ".beaver",
			CheckpointBackend:  "file",
			ArchiveBackend:     "none",
			DLQBackend:         "file",
			EventBufferSize:    64,
			EventFlushInterval: time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load 讀取設定檔
//
// 檔案內容覆蓋在 Default() 之上，未出現的欄位保留預設值。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析設定內容並驗證
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	itemFailurePolicies = map[string]bool{"dlq": true, "retry": true, "skip": true, "stop": true}
	checkpointBackends  = map[string]bool{"file": true, "postgres": true, "sqlite": true}
	archiveBackends     = map[string]bool{"none": true, "file": true, "s3": true}
	dlqBackends         = map[string]bool{"file": true, "redis": true}
	isolationModes      = map[string]bool{"dir": true, "none": true}
	logLevels           = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats          = map[string]bool{"text": true, "json": true}
)

// Validate 檢查設定值
func (c *Config) Validate() error {
	j := c.Job
	if j.MaxParallel < 1 {
		return invalid("job.max_parallel must be >= 1, got %d", j.MaxParallel)
	}
	if j.CheckpointEvery < 1 {
		return invalid("job.checkpoint_every must be >= 1, got %d", j.CheckpointEvery)
	}
	if err := j.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: job.retry: %v", ErrInvalidConfig, err)
	}
	if j.CircuitBreaker.Enabled && j.CircuitBreaker.FailureThreshold < 1 {
		return invalid("job.circuit_breaker.failure_threshold must be >= 1")
	}
	if !itemFailurePolicies[j.OnItemFailure] {
		return invalid("unknown job.on_item_failure %q", j.OnItemFailure)
	}
	if j.MaxFailures < 0 || j.MaxGlobalRetries < 0 {
		return invalid("job.max_failures and job.max_global_retries must not be negative")
	}
	if j.FailureThreshold < 0 || j.FailureThreshold > 1 {
		return invalid("job.failure_threshold must be in [0,1], got %g", j.FailureThreshold)
	}
	if j.DLQMaxItems < 1 {
		return invalid("job.dlq_max_items must be >= 1, got %d", j.DLQMaxItems)
	}
	if !isolationModes[j.Agent.Isolation] {
		return invalid("unknown job.agent.isolation %q", j.Agent.Isolation)
	}

	s := c.Storage
	if s.StateDir == "" {
		return invalid("storage.state_dir is required")
	}
	if !checkpointBackends[s.CheckpointBackend] {
		return invalid("unknown storage.checkpoint_backend %q", s.CheckpointBackend)
	}
	if s.CheckpointBackend != "file" && s.CheckpointDSN == "" {
		return invalid("storage.checkpoint_dsn is required for %s", s.CheckpointBackend)
	}
	if s.CheckpointRetain < 0 {
		return invalid("storage.checkpoint_retain must not be negative")
	}
	if !archiveBackends[s.ArchiveBackend] {
		return invalid("unknown storage.archive_backend %q", s.ArchiveBackend)
	}
	if s.ArchiveBackend == "s3" && s.S3.Bucket == "" {
		return invalid("storage.s3.bucket is required for s3 archive")
	}
	if !dlqBackends[s.DLQBackend] {
		return invalid("unknown storage.dlq_backend %q", s.DLQBackend)
	}
	if s.DLQBackend == "redis" && s.Redis.URL == "" {
		return invalid("storage.redis.url is required for redis dlq")
	}

	if !logLevels[c.Logging.Level] {
		return invalid("unknown logging.level %q", c.Logging.Level)
	}
	if !logFormats[c.Logging.Format] {
		return invalid("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// ValidateJob 檢查執行 job 所需的欄位（run 時才需要）
func (c *Config) ValidateJob() error {
	if c.Job.Input == "" {
		return invalid("job.input is required")
	}
	if c.Job.Agent.Command == "" {
		return invalid("job.agent.command is required")
	}
	if _, err := pipeline.Compile(c.Job.Pipeline, nil); err != nil {
		return fmt.Errorf("%w: job.pipeline: %v", ErrInvalidConfig, err)
	}
	return nil
}

// expandEnv 只展開已設定的環境變數
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
