package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"goalline/internal/domain"
)

// StageRequest asks the external executor to perform one stage of work for a
// card.
type StageRequest struct {
	CardID      string                `json:"card_id"`
	Stage       string                `json:"stage"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	WorkingDir  string                `json:"working_dir,omitempty"`
	Artifact    string                `json:"artifact,omitempty"`
	FixContext  string                `json:"fix_context,omitempty"`
	Model       string                `json:"model,omitempty"`
	Config      domain.ExecutorConfig `json:"config"`
}

// StageResult is the executor's verdict for one stage invocation.
type StageResult struct {
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	Artifact string  `json:"artifact,omitempty"`
	NeedsFix bool    `json:"needs_fix,omitempty"`
	Tokens   int     `json:"tokens,omitempty"`
	CostUSD  float64 `json:"cost_usd,omitempty"`
}

// StageExecutor performs the actual plan/implement/test/review work. It is
// called at most once per card per cycle.
type StageExecutor interface {
	Execute(ctx context.Context, req StageRequest) (StageResult, error)
}

// ProposedCard is one card suggested by the decomposer. Dependencies
// reference other proposed cards by order index, not by id.
type ProposedCard struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Order            int    `json:"order"`
	DependencyOrders []int  `json:"dependencies"`
}

// Decomposition is the decomposer's full answer for one goal.
type Decomposition struct {
	Success   bool           `json:"success"`
	Cards     []ProposedCard `json:"cards"`
	Reasoning string         `json:"reasoning"`
	Error     string         `json:"error,omitempty"`
}

// Decomposer breaks a goal description into ordered proposed cards.
type Decomposer interface {
	Decompose(ctx context.Context, goalDescription string) (Decomposition, error)
}

// CommandExecutor shells out to a configured program. The request is written
// to stdin as JSON and a StageResult is expected on stdout.
type CommandExecutor struct {
	Command    []string
	WorkingDir string
}

func (e CommandExecutor) Execute(ctx context.Context, req StageRequest) (StageResult, error) {
	if len(e.Command) == 0 {
		return StageResult{}, fmt.Errorf("no executor command configured")
	}
	if req.WorkingDir == "" {
		req.WorkingDir = e.WorkingDir
	}
	input, err := json.Marshal(req)
	if err != nil {
		return StageResult{}, err
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.WorkingDir
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return StageResult{}, fmt.Errorf("executor command: %w", err)
	}
	var res StageResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return StageResult{}, fmt.Errorf("decode executor output: %w", err)
	}
	return res, nil
}

// CommandDecomposer shells out to a configured program, passing the goal
// description on stdin. The output may be bare JSON or JSON inside a fenced
// code block.
type CommandDecomposer struct {
	Command    []string
	WorkingDir string
}

func (d CommandDecomposer) Decompose(ctx context.Context, goalDescription string) (Decomposition, error) {
	if len(d.Command) == 0 {
		return Decomposition{}, fmt.Errorf("no decomposer command configured")
	}
	cmd := exec.CommandContext(ctx, d.Command[0], d.Command[1:]...)
	cmd.Dir = d.WorkingDir
	cmd.Stdin = strings.NewReader(goalDescription)
	out, err := cmd.Output()
	if err != nil {
		return Decomposition{}, fmt.Errorf("decomposer command: %w", err)
	}
	return ParseDecomposition(string(out))
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ParseDecomposition extracts and decodes the decomposer's JSON answer,
// tolerating markdown fencing around it.
func ParseDecomposition(raw string) (Decomposition, error) {
	payload := raw
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		payload = m[1]
	} else if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			payload = raw[start : end+1]
		}
	}
	var dec Decomposition
	if err := json.Unmarshal([]byte(payload), &dec); err != nil {
		return Decomposition{}, fmt.Errorf("decode decomposition: %w", err)
	}
	if dec.Error == "" {
		dec.Success = true
	}
	return dec, nil
}
