package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Step setup / reduce 的一個 shell 步驟
type Step struct {
	Name    string        `yaml:"name" json:"name"`
	Shell   string        `yaml:"shell" json:"shell"`
	Capture string        `yaml:"capture,omitempty" json:"capture,omitempty"` // stdout 存入的變數名
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// StepError 步驟失敗
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("#%d", e.Index+1)
	}
	return fmt.Sprintf("step %s failed: %v", name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepRunner 依序執行步驟並擷取輸出
type StepRunner struct {
	shell  string
	dir    string
	env    []string
	logger *slog.Logger
}

// NewStepRunner 建立步驟執行器；dir 為工作目錄
func NewStepRunner(dir string, logger *slog.Logger, env ...string) *StepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{shell: "sh", dir: dir, env: env, logger: logger}
}

// Run 依序執行 steps
//
// 每個步驟的命令先以目前的變數展開；Capture 不為空時，trim 後的 stdout
// 寫入該變數，後續步驟可以引用。回傳包含輸入與新擷取的變數。
// 任一步驟失敗即停止，回傳 *StepError 與已擷取的變數。
func (r *StepRunner) Run(ctx context.Context, steps []Step, vars map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}

	for i, step := range steps {
		env := append([]string{}, r.env...)
		for k, v := range out {
			env = append(env, k+"="+v)
		}

		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		start := time.Now()
		command := Interpolate(step.Shell, nil, out)
		stdout, err := RunShell(stepCtx, r.shell, command, r.dir, env, nil)
		cancel()
		if err != nil {
			r.logger.Error("Step failed",
				"step", step.Name,
				"index", i,
				"error", err)
			return out, &StepError{Index: i, Name: step.Name, Err: err}
		}

		if step.Capture != "" {
			out[step.Capture] = stdout
		}
		r.logger.Info("Step completed",
			"step", step.Name,
			"index", i,
			"duration", time.Since(start))
	}
	return out, nil
}

// RunCommand 執行單一命令（on_failure=fallback 使用）
func (r *StepRunner) RunCommand(ctx context.Context, command string, vars map[string]string) (string, error) {
	env := append([]string{}, r.env...)
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return RunShell(ctx, r.shell, Interpolate(command, nil, vars), r.dir, env, nil)
}
