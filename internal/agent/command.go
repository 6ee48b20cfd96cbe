package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/pipeline"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

const (
	// exitKilled 被 SIGKILL 終止（通常是 OOM killer）
	exitKilled = 137

	artifactPrefix = "artifact:"
	maxStderrInErr = 512
)

// ============================================================================
// CommandExecutor
// ============================================================================

// CommandExecutor 在項目的 scope 目錄中以 `sh -c` 執行命令
//
// stdin 為項目 payload 的 JSON；環境變數包含 ITEM_ID、ITEM_JSON、
// CORRELATION_ID、AGENT_ID、ATTEMPT 以及 setup 擷取的變數。
// 命令中的 ${item.<path>} 與 ${<variable>} 會先展開。
type CommandExecutor struct {
	command string
	shell   string
	env     []string
	logger  *slog.Logger
}

// CommandOption CommandExecutor 選項
type CommandOption func(*CommandExecutor)

// WithShell 設定 shell（預設 sh）
func WithShell(shell string) CommandOption {
	return func(c *CommandExecutor) {
		if shell != "" {
			c.shell = shell
		}
	}
}

// WithEnv 附加環境變數（KEY=VALUE）
func WithEnv(env ...string) CommandOption {
	return func(c *CommandExecutor) { c.env = append(c.env, env...) }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) CommandOption {
	return func(c *CommandExecutor) { c.logger = l }
}

// NewCommandExecutor 建立命令執行器
func NewCommandExecutor(command string, opts ...CommandOption) *CommandExecutor {
	c := &CommandExecutor{
		command: command,
		shell:   "sh",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run implements Executor
func (c *CommandExecutor) Run(ctx context.Context, req Request) (*types.AgentResult, error) {
	start := time.Now()
	result := &types.AgentResult{
		AgentID:    req.AgentID,
		WorkItemID: req.Item.ID,
		Status:     types.AgentFailure,
	}

	payload, err := json.Marshal(req.Item.Payload)
	if err != nil {
		result.Duration = time.Since(start)
		verr := NewError(types.KindValidationFailed, "item payload is not JSON: %v", err)
		result.Error = verr.Error()
		return result, verr
	}

	env := append([]string{}, c.env...)
	for k, v := range req.Variables {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"ITEM_ID="+string(req.Item.ID),
		"ITEM_JSON="+string(payload),
		"CORRELATION_ID="+req.Item.CorrelationID,
		"AGENT_ID="+req.AgentID,
		fmt.Sprintf("ATTEMPT=%d", req.Attempt),
	)

	command := Interpolate(c.command, req.Item.Payload, req.Variables)
	c.logger.Debug("Running agent command",
		"item_id", req.Item.ID,
		"agent_id", req.AgentID,
		"attempt", req.Attempt,
		"dir", req.Scope.Dir)

	stdout, err := RunShell(ctx, c.shell, command, req.Scope.Dir, env, bytes.NewReader(payload))
	result.Duration = time.Since(start)
	result.Output = stdout
	result.Artifacts = parseArtifacts(stdout)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Status = types.AgentSuccess
	return result, nil
}

// RunShell 執行 shell 命令並將失敗對應到錯誤分類
//
//   - ctx 超時           → Timeout
//   - ctx 取消           → 原樣回傳 ctx.Err()
//   - exit 137           → ResourceExhausted
//   - 其他非零 exit code → CommandFailed{exit_code}
func RunShell(ctx context.Context, shell, command, dir string, env []string, stdin io.Reader) (string, error) {
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimRight(stdout.String(), "\n")
	if err == nil {
		return out, nil
	}

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return out, &Error{Kind: types.KindTimeout, Message: "command timed out", Err: ctxErr}
	case ctxErr != nil:
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// 被 signal 終止，ExitCode() 為 -1
			code = exitKilled
		}
		msg := fmt.Sprintf("exit code %d", code)
		if s := tail(stderr.String(), maxStderrInErr); s != "" {
			msg += ": " + s
		}
		if code == exitKilled {
			return out, &Error{Kind: types.KindResourceExhausted, ExitCode: &code, Message: msg, Err: err}
		}
		return out, &Error{Kind: types.KindCommandFailed, ExitCode: &code, Message: msg, Err: err}
	}

	// shell 無法啟動
	return out, &Error{Kind: types.KindUnknown, Message: err.Error(), Err: err}
}

// parseArtifacts 擷取 "artifact: <x>" 行
func parseArtifacts(stdout string) []string {
	var artifacts []string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, artifactPrefix); ok {
			if a := strings.TrimSpace(rest); a != "" {
				artifacts = append(artifacts, a)
			}
		}
	}
	return artifacts
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Interpolate 展開 ${item.<path>} 與 ${<variable>}
//
// 找不到的 item 欄位展開為空字串；不是變數的名稱保留原樣，交給 shell 處理。
func Interpolate(command string, payload interface{}, vars map[string]string) string {
	return os.Expand(command, func(name string) string {
		if name == "item" {
			return jsonText(payload)
		}
		if path, ok := strings.CutPrefix(name, "item."); ok {
			v, found := pipeline.Lookup(payload, path)
			if !found || v == nil {
				return ""
			}
			return jsonText(v)
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

// jsonText 字串直接輸出，其他值輸出 JSON
func jsonText(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
