package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/persistence"
	"github.com/cis-node/cis/internal/skillplane"
	"github.com/cis-node/cis/internal/skillplane/sandbox/native"
)

func runSkillCommand(ctx context.Context, rt *runtime, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "cis: skill requires a subcommand (do, chain, list, load, unload, activate, deactivate, info, call, install, remove)")
		return 1
	}
	raw, rest := rawFlag(args[1:])
	sub, rest := args[0], rest

	switch sub {
	case "list":
		return skillList(ctx, rt, raw)
	case "info":
		return skillInfo(ctx, rt, raw, rest)
	case "load":
		return skillTransition(ctx, rt, raw, rest, rt.skills.Load)
	case "unload":
		return skillTransition(ctx, rt, raw, rest, func(_ context.Context, id string) error { return rt.skills.Unload(id) })
	case "activate":
		return skillTransition(ctx, rt, raw, rest, rt.skills.Activate)
	case "deactivate":
		return skillTransition(ctx, rt, raw, rest, func(_ context.Context, id string) error { return rt.skills.Deactivate(id) })
	case "install":
		return skillInstall(ctx, rt, raw, rest)
	case "remove":
		return skillRemove(ctx, rt, raw, rest)
	case "do", "chain":
		// Intent routing (spec §4.4) requires a wired Embedder + Vector Index
		// collection of skill descriptions; the CLI contract surface reports
		// that cleanly rather than faking a ranking.
		err := cerr.New(cerr.KindUnavailable, "cli",
			fmt.Sprintf("skill %s requires a configured embedder/vector index; run 'skill call <id>' for a direct invocation instead", sub))
		return reportCLIError(raw, err, 3)
	case "call":
		return skillCall(ctx, rt, raw, rest)
	default:
		fmt.Fprintf(os.Stderr, "cis: unknown skill subcommand %q\n", sub)
		return 1
	}
}

func skillList(ctx context.Context, rt *runtime, raw bool) int {
	records, err := rt.store.ListSkills(ctx)
	if err != nil {
		return reportCLIError(raw, err, 1)
	}
	return printResult(raw, records, func() string {
		if len(records) == 0 {
			return "no skills installed"
		}
		var b strings.Builder
		for _, r := range records {
			fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", r.SkillID, r.Name, r.Kind, r.State)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func skillInfo(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: skill info requires exactly one <id>")
		return 1
	}
	rec, err := rt.store.GetSkill(ctx, args[0])
	if err != nil {
		return reportCLIError(raw, err, 1)
	}
	if rec == nil {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("skill %q not found", args[0])), 2)
	}
	return printResult(raw, rec, func() string {
		return fmt.Sprintf("id=%s name=%s version=%s kind=%s state=%s faults=%d",
			rec.SkillID, rec.Name, rec.Version, rec.Kind, rec.State, rec.FaultCount)
	})
}

// skillTransition runs a Registry state transition by skill id, persisting
// the resulting state back to the skills table so it survives restarts.
func skillTransition(ctx context.Context, rt *runtime, raw bool, args []string, transition func(context.Context, string) error) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: this subcommand requires exactly one <id>")
		return 1
	}
	id := args[0]
	if err := transition(ctx, id); err != nil {
		return reportCLIError(raw, err, 1)
	}
	_, state, err := rt.skills.Lookup(id)
	if err != nil {
		return reportCLIError(raw, err, 1)
	}
	if rec, err := rt.store.GetSkill(ctx, id); err == nil && rec != nil {
		rec.State = state.String()
		_ = rt.store.UpsertSkill(ctx, *rec)
	}
	return printResult(raw, map[string]string{"id": id, "state": state.String()}, func() string {
		return fmt.Sprintf("%s -> %s", id, state.String())
	})
}

func skillInstall(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "cis: skill install requires <id> <name>")
		return 1
	}
	id, name := args[0], args[1]
	meta := skillplane.Meta{ID: id, Name: name, Version: "0.0.0", Kind: skillplane.KindNative}
	if err := rt.skills.Install(meta, rt.policy.AllowedCapabilitySet()); err != nil {
		return reportCLIError(raw, err, 1)
	}
	rec := persistence.SkillRecord{
		SkillID: id,
		Name:    name,
		Version: meta.Version,
		Kind:    string(meta.Kind),
		State:   skillplane.Registered.String(),
	}
	if err := rt.store.UpsertSkill(ctx, rec); err != nil {
		return reportCLIError(raw, err, 1)
	}
	return printResult(raw, rec, func() string { return fmt.Sprintf("installed %s (%s)", id, name) })
}

func skillRemove(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: skill remove requires exactly one <id>")
		return 1
	}
	id := args[0]
	if err := rt.skills.Remove(id); err != nil {
		return reportCLIError(raw, err, 1)
	}
	if err := rt.store.DeleteSkill(ctx, id); err != nil {
		return reportCLIError(raw, err, 1)
	}
	return printResult(raw, map[string]string{"id": id, "removed_at": time.Now().UTC().Format(time.RFC3339)},
		func() string { return fmt.Sprintf("removed %s", id) })
}

// skillCall invokes an already-installed, active skill directly by id,
// passing the raw JSON bytes read from stdin as its request payload. Unlike
// 'do'/'chain' this needs no semantic routing: the caller already names the
// skill. Only native skills (spec §4.3's subprocess execution substrate) are
// dispatched from the CLI; WASM and remote skills need a longer-lived host
// than a one-shot command invocation can construct, so those report
// unavailable instead of faking a result.
func skillCall(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: skill call requires exactly one <id>")
		return 1
	}
	id := args[0]

	rec, err := rt.store.GetSkill(ctx, id)
	if err != nil {
		return reportCLIError(raw, err, 1)
	}
	if rec == nil {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("skill %q not found", id)), 2)
	}
	if rec.State != skillplane.Active.String() {
		return reportCLIError(raw, cerr.New(cerr.KindInvalidState, "cli",
			fmt.Sprintf("skill %q is %s, not active", id, rec.State)), 3)
	}

	input, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return reportCLIError(raw, cerr.Wrap(cerr.KindInvalidInput, "cli", "read stdin", err), 1)
	}

	switch skillplane.Kind(rec.Kind) {
	case skillplane.KindNative:
		runner := native.Runner{WorkspaceDir: rt.cfg.HomeDir + "/workspace", Policy: rt.policy}
		out, err := runner.Run(ctx, id, rec.Path, input, native.DefaultDeadline)
		if err != nil {
			return reportCLIError(raw, err, 1)
		}
		var parsed any
		if json.Unmarshal(out, &parsed) != nil {
			parsed = string(out)
		}
		return printResult(raw, parsed, func() string { return string(out) })
	default:
		return reportCLIError(raw, cerr.New(cerr.KindUnavailable, "cli",
			fmt.Sprintf("skill %q runs on the %s substrate, which this CLI build does not host directly", id, rec.Kind)), 3)
	}
}

// reportCLIError writes err to stderr (or as {"error": ...} JSON under
// --raw) and returns code, following the exit code contract: 0 ok, 2 not
// found, 3 unavailable/ambiguous, 1 everything else.
func reportCLIError(raw bool, err error, code int) int {
	if raw {
		_ = printResult(true, map[string]string{"error": err.Error()}, nil)
		return code
	}
	fmt.Fprintf(os.Stderr, "cis: %v\n", err)
	return code
}
