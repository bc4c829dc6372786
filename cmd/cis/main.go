// Command cis is the thin CLI front-end for a cognitive infrastructure
// node (spec §6 "CLI surface" — out of core scope, contract only). It
// wires together config, telemetry, persistence, policy, the skill
// registry, the DAG scheduler, and the federation fabric, but contains no
// domain logic of its own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cis-node/cis/internal/audit"
	"github.com/cis-node/cis/internal/bus"
	"github.com/cis-node/cis/internal/certpin"
	"github.com/cis-node/cis/internal/config"
	"github.com/cis-node/cis/internal/dagscheduler"
	"github.com/cis-node/cis/internal/federation"
	"github.com/cis-node/cis/internal/otelobs"
	"github.com/cis-node/cis/internal/persistence"
	"github.com/cis-node/cis/internal/policy"
	"github.com/cis-node/cis/internal/skillplane"
	"github.com/cis-node/cis/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [arguments]

COMMANDS:
  skill do <description>              natural-language skill invocation
  skill chain <description>           preview/execute a skill chain
  skill list                          list installed skills
  skill info <id>                     show skill metadata
  skill install <id> <name>           register a skill descriptor
  skill remove <id>                   destroy a skill descriptor
  skill load|unload <id>              move a skill between Registered/Loaded
  skill activate|deactivate <id>      move a skill between Loaded/Active
  skill call <id>                     invoke an active skill directly
  dag submit                          read a JSON node array from stdin, register a run
  dag list                            list submitted run ids
  dag run <run_id>                    drive a submitted run to completion
  dag status [run_id]                 show run or per-node status
  dag runs <dag_id>                   show status for one run
  dag definitions                     list reusable DAG templates
  node ls                             list known peers
  node inspect <id>                   show one peer's directory entry
  node ping <id>                      check peer reachability
  node stats <id>                     show peer + observed room/event counts
  node bind <endpoint> [--did <did>]  register a peer by endpoint
  doctor                              run startup diagnostics

Every command accepts --raw to emit its result as JSON instead of text.

ENVIRONMENT VARIABLES:
  CIS_HOME         data directory (default: ~/.cis-node)
  CIS_NODE_ID      overrides derived node identity
`, os.Args[0])
}

// runtime bundles the node's long-lived collaborators, built once per CLI
// invocation (the CLI is not a persistent daemon — it opens what it needs
// for the requested command and closes it before exiting).
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *persistence.Store
	policy    policy.Policy
	skills    *skillplane.Registry
	rooms     *federation.Registry
	peers     *federation.Directory
	telemetry *otelobs.Provider
	certpins  *certpin.Store

	pool *dagscheduler.AgentPool
	bus  *bus.Bus

	dagMu   sync.Mutex
	dagRuns map[string]*dagscheduler.DAG
}

func newRuntime(ctx context.Context) (*runtime, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, !isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("init audit: %w", err)
	}

	provider, err := otelobs.Init(ctx, otelobs.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	dbPath := persistence.DefaultDBPath(cfg.HomeDir)
	store, err := persistence.Open(dbPath)
	if err != nil {
		_ = provider.Shutdown(ctx)
		_ = closer.Close()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	pol := policy.Default()
	if p, err := policy.Load(config.ConfigPath(cfg.HomeDir) + ".policy"); err == nil {
		pol = p
	}

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		policy:    pol,
		skills:    skillplane.New(3),
		rooms:     federation.NewRegistry(),
		peers:     federation.NewDirectory(),
		telemetry: provider,
		certpins:  certpin.New(store, 0),
		pool:      dagscheduler.NewAgentPool(cfg.AgentPoolSize),
		bus:       bus.NewWithLogger(logger),
		dagRuns:   map[string]*dagscheduler.DAG{},
	}

	cleanup := func() {
		_ = store.Close()
		_ = provider.Shutdown(ctx)
		_ = audit.Close()
		_ = closer.Close()
	}
	return rt, cleanup, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	ctx := context.Background()
	rt, cleanup, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cis: %v\n", err)
		return 1
	}
	defer cleanup()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "skill":
		return runSkillCommand(ctx, rt, rest)
	case "dag":
		return runDagCommand(ctx, rt, rest)
	case "node":
		return runNodeCommand(ctx, rt, rest)
	case "doctor":
		return runDoctorCommand(ctx, rt, rest)
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "cis: unknown command %q\n", cmd)
		printUsage()
		return 1
	}
}

// rawFlag parses a --raw flag out of args, returning whether it was present
// and the remaining positional arguments.
func rawFlag(args []string) (raw bool, rest []string) {
	fs := flag.NewFlagSet("cis", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	rawPtr := fs.Bool("raw", false, "emit JSON output")
	_ = fs.Parse(args)
	return *rawPtr, fs.Args()
}

// printResult renders v as indented JSON when raw is set, or as plain text
// otherwise by calling text(v).
func printResult(raw bool, v any, text func() string) int {
	if raw {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(os.Stderr, "cis: encode result: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Println(text())
	return 0
}
