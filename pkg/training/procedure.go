package training

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Result is what a training procedure reports. Failures are carried in Success=false.
type Result struct {
	Success            bool             `json:"success"`
	FinalLoss          *float64         `json:"final_loss,omitempty"`
	Steps              int              `json:"steps"`
	MetricsHistoryTail []map[string]any `json:"metrics_history_tail,omitempty"`
	Message            string           `json:"message"`
	DurationSeconds    float64          `json:"duration_seconds"`
}

// Procedure updates the adapter in adapterDir using the documents in dataDir.
// Implementations must not panic or return errors; every failure goes into the Result.
type Procedure interface {
	Train(ctx context.Context, adapterDir, dataDir string, params Params) Result
}

// ProcedureFunc adapts a function to Procedure.
type ProcedureFunc func(ctx context.Context, adapterDir, dataDir string, params Params) Result

func (f ProcedureFunc) Train(ctx context.Context, adapterDir, dataDir string, params Params) Result {
	return f(ctx, adapterDir, dataDir, params)
}

// runProcedure invokes p and turns a panic into a failed Result.
func runProcedure(ctx context.Context, p Procedure, adapterDir, dataDir string, params Params) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Success: false, Message: fmt.Sprintf("training procedure panicked: %v", r)}
		}
	}()
	return p.Train(ctx, adapterDir, dataDir, params)
}

const stderrTailBytes = 2048

// CommandProcedure runs an external trainer:
//
//	<Command> <Args...> --adapter-dir DIR --data-dir DIR --params-file FILE
//
// The last JSON object printed on stdout is decoded as the Result.
type CommandProcedure struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c CommandProcedure) Train(ctx context.Context, adapterDir, dataDir string, params Params) Result {
	start := time.Now()
	res := c.run(ctx, adapterDir, dataDir, params)
	if res.DurationSeconds == 0 {
		res.DurationSeconds = time.Since(start).Seconds()
	}
	return res
}

func (c CommandProcedure) run(ctx context.Context, adapterDir, dataDir string, params Params) Result {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(c.Command) == "" {
		return Result{Message: "trainer command is not configured"}
	}
	scratch, err := os.MkdirTemp("", "avatarlora-params-*")
	if err != nil {
		return Result{Message: fmt.Sprintf("create params dir: %v", err)}
	}
	defer os.RemoveAll(scratch)
	paramsFile := filepath.Join(scratch, "params.json")
	data, err := json.Marshal(params)
	if err != nil {
		return Result{Message: fmt.Sprintf("encode params: %v", err)}
	}
	if err := os.WriteFile(paramsFile, data, 0o600); err != nil {
		return Result{Message: fmt.Sprintf("write params: %v", err)}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	args := append(append([]string{}, c.Args...),
		"--adapter-dir", adapterDir,
		"--data-dir", dataDir,
		"--params-file", paramsFile,
	)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("trainer started", "command", c.Command)
	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Message: "trainer timed out after " + c.Timeout.String()}
	}
	if err != nil {
		return Result{Message: fmt.Sprintf("trainer failed: %v: %s", err, tail(stderr.String(), stderrTailBytes))}
	}
	res, ok := lastJSONLine(stdout.Bytes())
	if !ok {
		return Result{Message: "trainer produced no result"}
	}
	logger.Info("trainer finished", "success", res.Success, "steps", res.Steps)
	return res
}

func lastJSONLine(out []byte) (Result, bool) {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "{") {
			last = line
		}
	}
	// a line past the buffer limit stops the scan early; an earlier line is not the result
	if scanner.Err() != nil || last == "" {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
