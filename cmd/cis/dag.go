package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/dagscheduler"
	"github.com/cis-node/cis/internal/skillplane"
	"github.com/cis-node/cis/internal/skillplane/sandbox/native"
)

func runDagCommand(ctx context.Context, rt *runtime, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "cis: dag requires a subcommand (list, run, status, runs, definitions, submit)")
		return 1
	}
	raw, rest := rawFlag(args[1:])
	sub, rest := args[0], rest

	switch sub {
	case "submit":
		return dagSubmit(ctx, rt, raw)
	case "list":
		return dagList(ctx, rt, raw)
	case "run":
		return dagRun(ctx, rt, raw, rest)
	case "status":
		return dagStatus(ctx, rt, raw, rest)
	case "runs":
		return dagRuns(ctx, rt, raw, rest)
	case "definitions":
		// No DAG template catalog is wired into this build: every run is
		// submitted as an ad-hoc node graph via 'dag submit', so there is no
		// separate definitions store to list.
		return reportCLIError(raw, cerr.New(cerr.KindUnavailable, "cli",
			"no DAG definition catalog is configured; use 'dag submit' to define a run directly"), 3)
	default:
		fmt.Fprintf(os.Stderr, "cis: unknown dag subcommand %q\n", sub)
		return 1
	}
}

// submitNode is the wire shape read from stdin by 'dag submit': a JSON
// array of nodes, each naming its id, dependencies, the agent/skill id it
// runs against, and its payload.
type submitNode struct {
	ID           string   `json:"id"`
	AgentID      string   `json:"agent_id"`
	Payload      string   `json:"payload"`
	DependsOn    []string `json:"depends_on"`
	MaxRetries   int      `json:"max_retries"`
	AgentRuntime string   `json:"agent_runtime"`
	ReuseAgentID string   `json:"reuse_agent_id"`
	KeepAgent    bool     `json:"keep_agent"`
}

func dagSubmit(ctx context.Context, rt *runtime, raw bool) int {
	body, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return reportCLIError(raw, cerr.Wrap(cerr.KindInvalidInput, "cli", "read stdin", err), 1)
	}
	var nodes []submitNode
	if err := json.Unmarshal(body, &nodes); err != nil {
		return reportCLIError(raw, cerr.Wrap(cerr.KindInvalidInput, "cli", "parse dag definition (expected a JSON array of nodes)", err), 1)
	}
	if len(nodes) == 0 {
		return reportCLIError(raw, cerr.New(cerr.KindInvalidInput, "cli", "dag definition has no nodes"), 1)
	}

	runID := nodes[0].ID + "-run"
	dag := dagscheduler.New(runID)
	for _, n := range nodes {
		err := dag.AddNode(dagscheduler.Node{
			ID:           n.ID,
			AgentID:      n.AgentID,
			Payload:      n.Payload,
			DependsOn:    n.DependsOn,
			MaxRetries:   n.MaxRetries,
			AgentRuntime: n.AgentRuntime,
			ReuseAgentID: n.ReuseAgentID,
			KeepAgent:    n.KeepAgent,
		})
		if err != nil {
			return reportCLIError(raw, err, 1)
		}
	}
	if _, err := dag.Validate(); err != nil {
		return reportCLIError(raw, err, 1)
	}

	rt.dagMu.Lock()
	rt.dagRuns[runID] = dag
	rt.dagMu.Unlock()

	return printResult(raw, map[string]string{"run_id": runID}, func() string {
		return fmt.Sprintf("submitted %s (%d nodes)", runID, len(nodes))
	})
}

func dagList(ctx context.Context, rt *runtime, raw bool) int {
	rt.dagMu.Lock()
	ids := make([]string, 0, len(rt.dagRuns))
	for id := range rt.dagRuns {
		ids = append(ids, id)
	}
	rt.dagMu.Unlock()
	sort.Strings(ids)

	return printResult(raw, ids, func() string {
		if len(ids) == 0 {
			return "no submitted runs"
		}
		return strings.Join(ids, "\n")
	})
}

// dagExecutor resolves a node's AgentID to an installed, Active native
// skill and runs it with the node's Payload — prefixed with the "##
// Upstream Outputs for <id>" block built from its dependencies' outputs
// (spec §4.5 step 3) — as the subprocess's stdin. WASM and remote skills
// report unavailable rather than faking a result, matching 'skill call's
// substrate boundary (spec §6).
func dagExecutor(rt *runtime) dagscheduler.ExecutorFunc {
	return func(ctx context.Context, node *dagscheduler.Node, upstream map[string]string) (string, error) {
		if node.AgentID == "" {
			return "ok", nil
		}
		rec, err := rt.store.GetSkill(ctx, node.AgentID)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("skill %q not found", node.AgentID))
		}
		if rec.State != skillplane.Active.String() {
			return "", cerr.New(cerr.KindInvalidState, "cli", fmt.Sprintf("skill %q is not active", node.AgentID))
		}

		prompt := dagscheduler.BuildUpstreamContext(node, upstream) + node.Payload

		switch skillplane.Kind(rec.Kind) {
		case skillplane.KindNative:
			runner := native.Runner{WorkspaceDir: rt.cfg.HomeDir + "/workspace", Policy: rt.policy}
			out, err := runner.Run(ctx, node.AgentID, rec.Path, []byte(prompt), native.DefaultDeadline)
			if err != nil {
				return "", err
			}
			return string(out), nil
		default:
			return "", cerr.New(cerr.KindUnavailable, "cli",
				fmt.Sprintf("node %q runs on the %s substrate, which this CLI build does not host directly", node.ID, rec.Kind))
		}
	}
}

func dagRun(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: dag run requires exactly one <run_id>")
		return 1
	}
	runID := args[0]
	rt.dagMu.Lock()
	dag, ok := rt.dagRuns[runID]
	rt.dagMu.Unlock()
	if !ok {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("run %q not found", runID)), 2)
	}

	driver := dagscheduler.NewDriver(dag, rt.pool, dagExecutor(rt), rt.bus, rt.logger, rt.cfg.MaxConcurrentTasks)
	if err := driver.Run(ctx); err != nil {
		return reportCLIError(raw, err, 1)
	}
	return dagStatus(ctx, rt, raw, []string{runID})
}

func dagStatus(ctx context.Context, rt *runtime, raw bool, args []string) int {
	rt.dagMu.Lock()
	defer rt.dagMu.Unlock()

	if len(args) == 0 {
		type summary struct {
			RunID string `json:"run_id"`
			Done  bool   `json:"done"`
			Ok    bool   `json:"failed"`
		}
		var out []summary
		for id, dag := range rt.dagRuns {
			out = append(out, summary{RunID: id, Done: dag.Done(), Ok: dag.Failed()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
		return printResult(raw, out, func() string {
			if len(out) == 0 {
				return "no submitted runs"
			}
			var b strings.Builder
			for _, s := range out {
				fmt.Fprintf(&b, "%s\tdone=%v\tfailed=%v\n", s.RunID, s.Done, s.Ok)
			}
			return strings.TrimRight(b.String(), "\n")
		})
	}

	dag, ok := rt.dagRuns[args[0]]
	if !ok {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("run %q not found", args[0])), 2)
	}
	return printResult(raw, dag, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "run %s: done=%v failed=%v\n", dag.RunID, dag.Done(), dag.Failed())
		ids := make([]string, 0, len(dag.Nodes))
		for id := range dag.Nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			n := dag.Nodes[id]
			fmt.Fprintf(&b, "  %s\t%s\tattempt=%d\n", n.ID, n.Status, n.Attempt)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func dagRuns(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: dag runs requires exactly one <dag_id>")
		return 1
	}
	return dagStatus(ctx, rt, raw, args)
}
