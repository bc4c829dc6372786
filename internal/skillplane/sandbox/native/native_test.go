package native

import (
	"context"
	"testing"
	"time"

	"github.com/cis-node/cis/internal/policy"
)

func allowPolicy() policy.Policy {
	return policy.Policy{AllowCapabilities: []string{"skill.native.run"}}
}

func TestRunDeniedWithoutCapability(t *testing.T) {
	r := Runner{WorkspaceDir: t.TempDir(), Policy: policy.Default()}
	_, err := r.Run(context.Background(), "s1", "/bin/echo", nil, 0)
	if err == nil {
		t.Fatal("expected denial without capability")
	}
}

func TestRunRejectsDeadlineAboveMax(t *testing.T) {
	r := Runner{WorkspaceDir: t.TempDir(), Policy: allowPolicy()}
	_, err := r.Run(context.Background(), "s1", "/bin/echo", nil, MaxDeadline+time.Second)
	if err == nil {
		t.Fatal("expected rejection of deadline above max")
	}
}

func TestRunExecutesBinary(t *testing.T) {
	r := Runner{WorkspaceDir: t.TempDir(), Policy: allowPolicy()}
	out, err := r.Run(context.Background(), "s1", "/bin/echo", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected non-empty output from echo")
	}
}
