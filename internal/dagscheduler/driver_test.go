package dagscheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cis-node/cis/internal/bus"
)

func TestDriverRunsLinearDAGToCompletion(t *testing.T) {
	d := buildLinearDAG()
	pool := NewAgentPool(2)
	b := bus.New()

	var calls int32
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok:" + n.ID, nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("want 3 executions, got %d", calls)
	}
	for _, id := range []string{"a", "b", "c"} {
		if d.Nodes[id].Status != Completed {
			t.Fatalf("node %s want Completed, got %v", id, d.Nodes[id].Status)
		}
		if d.Nodes[id].Output != "ok:"+id {
			t.Fatalf("node %s unexpected output %q", id, d.Nodes[id].Output)
		}
	}
}

func TestDriverThreadsUpstreamOutputsIntoDownstreamPrompt(t *testing.T) {
	d := buildLinearDAG()
	pool := NewAgentPool(2)
	b := bus.New()

	var sawUpstreamForB, sawUpstreamForC string
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		switch n.ID {
		case "b":
			sawUpstreamForB = upstream["a"]
		case "c":
			sawUpstreamForC = upstream["b"]
		}
		return "out:" + n.ID, nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if sawUpstreamForB != "out:a" {
		t.Fatalf("node b: want upstream output %q from a, got %q", "out:a", sawUpstreamForB)
	}
	if sawUpstreamForC != "out:b" {
		t.Fatalf("node c: want upstream output %q from b, got %q", "out:b", sawUpstreamForC)
	}
}

func TestBuildUpstreamContextTruncatesLongOutput(t *testing.T) {
	node := &Node{ID: "b", DependsOn: []string{"a"}}
	long := make([]byte, UpstreamOutputTruncateLen+500)
	for i := range long {
		long[i] = 'x'
	}
	prompt := BuildUpstreamContext(node, map[string]string{"a": string(long)})
	if want := "## Upstream Outputs for b"; !containsSubstring(prompt, want) {
		t.Fatalf("prompt missing header %q: %q", want, prompt)
	}
	if !containsSubstring(prompt, "truncated") {
		t.Fatalf("expected truncation marker in prompt")
	}
	if len(prompt) >= len(long) {
		t.Fatalf("expected prompt shorter than untruncated output")
	}
}

func TestBuildUpstreamContextEmptyForRootNode(t *testing.T) {
	node := &Node{ID: "a"}
	if got := BuildUpstreamContext(node, nil); got != "" {
		t.Fatalf("want empty context for a node with no dependencies, got %q", got)
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestDriverPropagatesFailureToDescendants(t *testing.T) {
	d := buildLinearDAG()
	pool := NewAgentPool(2)
	b := bus.New()

	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		if n.ID == "b" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Nodes["a"].Status != Completed {
		t.Fatalf("a: want Completed, got %v", d.Nodes["a"].Status)
	}
	if d.Nodes["b"].Status != Failed {
		t.Fatalf("b: want Failed, got %v", d.Nodes["b"].Status)
	}
	if d.Nodes["c"].Status != Skipped {
		t.Fatalf("c: want Skipped, got %v", d.Nodes["c"].Status)
	}
}

func TestDriverRetriesBeforeFailing(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a", MaxRetries: 2})
	pool := NewAgentPool(1)
	b := bus.New()

	var attempts int32
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return "", fmt.Errorf("transient")
		}
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("want 3 attempts (2 retries + success), got %d", attempts)
	}
	if d.Nodes["a"].Status != Completed {
		t.Fatalf("want Completed after retries, got %v", d.Nodes["a"].Status)
	}
}

func TestDriverWarningSeverityRetriesWithoutConsumingAttempt(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a", MaxRetries: 0})
	pool := NewAgentPool(1)
	b := bus.New()

	var attempts int32
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return "", Warning(fmt.Errorf("transient hiccup"))
		}
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Nodes["a"].Status != Completed {
		t.Fatalf("want Completed despite zero MaxRetries, got %v", d.Nodes["a"].Status)
	}
	if attempts != 2 {
		t.Fatalf("want 2 attempts, got %d", attempts)
	}
}

func TestDriverCriticalSeverityAbortsEntireRun(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a"})
	d.AddNode(Node{ID: "b"})
	pool := NewAgentPool(2)
	b := bus.New()

	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		if n.ID == "a" {
			return "", Critical(fmt.Errorf("unrecoverable sandbox fault"))
		}
		time.Sleep(500 * time.Millisecond)
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := drv.Run(ctx)
	if err == nil {
		t.Fatal("expected an error from an aborted run")
	}
	if d.Nodes["a"].Status != Failed {
		t.Fatalf("a: want Failed, got %v", d.Nodes["a"].Status)
	}
	if d.Nodes["b"].Status != Failed {
		t.Fatalf("b: want Failed once the run aborts, got %v", d.Nodes["b"].Status)
	}
	if got, err := pool.Get("default-agent-0"); err == nil && got.State != ShuttingDown {
		t.Fatalf("want every pooled agent ShuttingDown after a Critical abort, got %v", got.State)
	}
}

func TestDriverRespectsAgentPoolLimit(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a"})
	d.AddNode(Node{ID: "b"})
	d.AddNode(Node{ID: "c"})
	pool := NewAgentPool(1)
	b := bus.New()

	var maxConcurrent, current int32
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		cur := atomic.AddInt32(&current, 1)
		for {
			max := atomic.LoadInt32(&maxConcurrent)
			if cur <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if maxConcurrent > 1 {
		t.Fatalf("pool of 1 allowed %d concurrent executions", maxConcurrent)
	}
}

func TestDriverAdmissionCeilingGatesIndependentOfPoolSize(t *testing.T) {
	d := New("run1")
	for _, id := range []string{"a", "b", "c", "d"} {
		d.AddNode(Node{ID: id})
	}
	pool := NewAgentPool(8) // ample agents; the ceiling must be the real limiter.
	b := bus.New()

	var maxConcurrent, current int32
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		cur := atomic.AddInt32(&current, 1)
		for {
			max := atomic.LoadInt32(&maxConcurrent)
			if cur <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if maxConcurrent > 2 {
		t.Fatalf("admission ceiling of 2 allowed %d concurrent executions despite a pool of 8", maxConcurrent)
	}
}

func TestDriverHonorsReuseAgentIDAcrossNodes(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a", AgentRuntime: "claude", KeepAgent: true})
	d.AddNode(Node{ID: "b", DependsOn: []string{"a"}, AgentRuntime: "claude", ReuseAgentID: "claude-agent-0"})
	pool := NewAgentPool(1)
	b := bus.New()

	var agentIDs []string
	exec := ExecutorFunc(func(ctx context.Context, n *Node, upstream map[string]string) (string, error) {
		agentIDs = append(agentIDs, n.AgentID)
		return "ok", nil
	})

	drv := NewDriver(d, pool, exec, b, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := drv.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(agentIDs) != 2 || agentIDs[0] != agentIDs[1] {
		t.Fatalf("want both nodes to run on the same reused agent, got %v", agentIDs)
	}
}
