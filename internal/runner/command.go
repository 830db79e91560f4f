package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ShayCichocki/orcha/internal/exec"
	"github.com/ShayCichocki/orcha/pkg/models"
)

// CommandRunner runs a shell command per node. The node is described to
// the command through ORCHA_* environment variables. A JSON object on
// stdout with summary, payload, and metrics fields becomes the node result;
// any other output becomes the summary.
type CommandRunner struct {
	exec    exec.CommandRunner
	command string
	workDir string
}

// NewCommandRunner creates a runner that executes command with sh -c.
func NewCommandRunner(r exec.CommandRunner, command, workDir string) *CommandRunner {
	return &CommandRunner{exec: r, command: command, workDir: workDir}
}

// Invoke starts the command in the background.
func (c *CommandRunner) Invoke(ctx context.Context, req Request) (Execution, error) {
	if req.Node == nil {
		return nil, &Error{Runner: "command", Err: errors.New("request has no node")}
	}
	if strings.TrimSpace(c.command) == "" {
		return nil, &Error{Runner: "command", NodeID: req.Node.ID, Err: errors.New("no command configured")}
	}

	env, err := commandEnv(req)
	if err != nil {
		return nil, &Error{Runner: "command", NodeID: req.Node.ID, Err: err}
	}

	execution, runCtx := newExecution(ctx, 2)
	go func() {
		execution.send(runCtx, Update{Delta: 10})

		out, err := c.exec.Run(runCtx, exec.Shell(c.workDir, c.command, env...))
		if err != nil {
			if stderr := strings.TrimSpace(string(out.Stderr)); stderr != "" {
				err = fmt.Errorf("%w: %s", err, truncate(stderr, 200))
			}
			execution.finish(runCtx, Update{Err: &Error{Runner: "command", NodeID: req.Node.ID, Err: err}})
			return
		}
		execution.finish(runCtx, Update{Done: true, Result: parseResult(out.Stdout)})
	}()
	return execution, nil
}

func commandEnv(req Request) ([]string, error) {
	env := []string{
		"ORCHA_SESSION_ID=" + req.SessionID,
		"ORCHA_GRAPH_ID=" + req.GraphID,
		"ORCHA_NODE_ID=" + req.Node.ID,
		"ORCHA_NODE_NAME=" + req.Node.Name,
		"ORCHA_NODE_DESCRIPTION=" + req.Node.Description,
		"ORCHA_AGENT=" + req.Node.Agent,
		"ORCHA_ARTIFACT_KIND=" + string(req.Node.ArtifactKind),
		"ORCHA_ATTEMPT=" + strconv.Itoa(req.Attempt),
	}
	if len(req.Upstream) > 0 {
		data, err := json.Marshal(req.Upstream)
		if err != nil {
			return nil, fmt.Errorf("encode upstream results: %w", err)
		}
		env = append(env, "ORCHA_UPSTREAM="+string(data))
	}
	return env, nil
}

// parseResult reads a NodeResult from runner output. Output that is not a
// JSON object is kept verbatim as the summary.
func parseResult(out []byte) *models.NodeResult {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r models.NodeResult
		if err := json.Unmarshal(trimmed, &r); err == nil && (r.Summary != "" || r.Payload != nil || r.Metrics != nil) {
			return &r
		}
	}
	return &models.NodeResult{Summary: string(trimmed)}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ Runner = (*CommandRunner)(nil)
