// Package doctor runs startup diagnostics against a loaded config: config
// presence, database reachability, home-dir permissions, Cloud Anchor
// reachability, and wazero sandbox runtime availability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cis-node/cis/internal/config"
	"github.com/cis-node/cis/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkCloudAnchor,
		checkSandboxRuntime,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "node.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := persistence.DefaultDBPath(cfg.HomeDir)
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListPeers(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("reachable at %s", path)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkCloudAnchor(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Federation.CloudAnchorURL == "" {
		return CheckResult{Name: "Cloud Anchor", Status: "SKIP", Message: "no cloud_anchor_url configured"}
	}
	u, err := url.Parse(cfg.Federation.CloudAnchorURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Cloud Anchor", Status: "FAIL", Message: fmt.Sprintf("invalid cloud_anchor_url: %v", err)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	host := u.Hostname()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Cloud Anchor",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}
	return CheckResult{
		Name:    "Cloud Anchor",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

func checkSandboxRuntime(_ context.Context, _ *config.Config) CheckResult {
	// wazero is a pure-Go WASM runtime with no native dependency or external
	// process to probe; its presence is guaranteed at compile time, so this
	// check only confirms the architecture it supports.
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return CheckResult{Name: "Sandbox Runtime", Status: "PASS", Message: fmt.Sprintf("wazero supports %s/%s", runtime.GOOS, runtime.GOARCH)}
	default:
		return CheckResult{Name: "Sandbox Runtime", Status: "WARN", Message: fmt.Sprintf("wazero support for %s/%s is unverified", runtime.GOOS, runtime.GOARCH)}
	}
}
