// Package native implements the process-boundary execution substrate for
// native skills (spec §4.3: "how the implementation actually invokes a
// dynamically-loaded native module ... is deliberately unconstrained and
// should be chosen by security posture"; this node chooses a subprocess
// boundary). Adapted from the teacher's legacy.Runner: same workspace
// confinement and capability-gated dangerous-operation posture, generalized
// from ad hoc shell scripts to a fixed skill binary contract (JSON on
// stdin, JSON on stdout, deadline enforced by timed process kill).
package native

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/policy"
)

const (
	DefaultDeadline = 30 * time.Second
	MaxDeadline     = 300 * time.Second
)

// Runner invokes a native skill binary as a subprocess (spec §4.3 Deadline
// enforcement: "timed join (native)").
type Runner struct {
	WorkspaceDir string
	Policy       policy.Checker
}

// Run executes binPath with input on stdin, returning its stdout. Deadline
// enforcement matches the WASM sandbox's contract: zero uses
// DefaultDeadline, values above MaxDeadline are rejected outright (spec
// §4.3: "the default deadline is 30s, max 300s; zero or exceeding values
// are rejected").
func (r Runner) Run(ctx context.Context, skillID, binPath string, input []byte, deadline time.Duration) ([]byte, error) {
	if deadline < 0 {
		return nil, cerr.New(cerr.KindInvalidInput, "skillplane/native", "deadline must be non-negative")
	}
	if deadline == 0 {
		deadline = DefaultDeadline
	}
	if deadline > MaxDeadline {
		return nil, cerr.New(cerr.KindInvalidInput, "skillplane/native", "deadline exceeds 300s maximum")
	}
	if r.Policy == nil || !r.Policy.AllowCapability("skill.native.run") {
		return nil, cerr.New(cerr.KindInvalidInput, "skillplane/native", fmt.Sprintf("policy denied native execution of skill %q", skillID))
	}

	workspace := r.WorkspaceDir
	if workspace == "" {
		workspace = "./workspace"
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "skillplane/native", "create workspace", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binPath)
	cmd.Dir = workspace
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = []string{"CIS_SKILL_ID=" + skillID}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, cerr.Wrap(cerr.KindTimeout, "skillplane/native", fmt.Sprintf("skill %q exceeded deadline %s", skillID, deadline), runCtx.Err())
		}
		return nil, cerr.Wrap(cerr.KindInternal, "skillplane/native", fmt.Sprintf("skill %q exited with error: %s", skillID, stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

// RunJSON is a convenience wrapper that marshals/unmarshals a JSON
// request/response pair over Run's stdin/stdout contract.
func (r Runner) RunJSON(ctx context.Context, skillID, binPath string, request any, response any, deadline time.Duration) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return cerr.Wrap(cerr.KindInvalidInput, "skillplane/native", "marshal request", err)
	}
	out, err := r.Run(ctx, skillID, binPath, payload, deadline)
	if err != nil {
		return err
	}
	if response == nil {
		return nil
	}
	if err := json.Unmarshal(out, response); err != nil {
		return cerr.Wrap(cerr.KindInvalidState, "skillplane/native", "unmarshal response", err)
	}
	return nil
}
