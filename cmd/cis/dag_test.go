package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
)

// withStdin temporarily redirects os.Stdin to body's contents for the
// duration of fn, restoring the original afterward.
func withStdin(t *testing.T, body string, fn func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdin
	os.Stdin = r
	t.Cleanup(func() { os.Stdin = orig })

	go func() {
		_, _ = io.Copy(w, bytes.NewBufferString(body))
		w.Close()
	}()
	fn()
}

func TestDagSubmitAndRun(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if code := runSkillCommand(ctx, rt, []string{"install", "noop", "noop"}); code != 0 {
		t.Fatalf("install: got %d", code)
	}
	if code := runSkillCommand(ctx, rt, []string{"load", "noop"}); code != 0 {
		t.Fatalf("load: got %d", code)
	}
	if code := runSkillCommand(ctx, rt, []string{"activate", "noop"}); code != 0 {
		t.Fatalf("activate: got %d", code)
	}

	body := `[{"id":"a","agent_id":"noop"},{"id":"b","agent_id":"noop","depends_on":["a"]}]`
	withStdin(t, body, func() {
		if code := runDagCommand(ctx, rt, []string{"submit"}); code != 0 {
			t.Fatalf("submit: got %d", code)
		}
	})

	if code := runDagCommand(ctx, rt, []string{"list"}); code != 0 {
		t.Fatalf("list: got %d", code)
	}

	if code := runDagCommand(ctx, rt, []string{"run", "a-run"}); code != 0 {
		t.Fatalf("run: got %d", code)
	}

	if code := runDagCommand(ctx, rt, []string{"status", "a-run"}); code != 0 {
		t.Fatalf("status: got %d", code)
	}
}

func TestDagRunMissing(t *testing.T) {
	rt := newTestRuntime(t)
	if code := runDagCommand(context.Background(), rt, []string{"run", "no-such-run"}); code != 2 {
		t.Fatalf("got %d, want 2", code)
	}
}

func TestDagDefinitionsReportsUnavailable(t *testing.T) {
	rt := newTestRuntime(t)
	if code := runDagCommand(context.Background(), rt, []string{"definitions"}); code != 3 {
		t.Fatalf("got %d, want 3", code)
	}
}
