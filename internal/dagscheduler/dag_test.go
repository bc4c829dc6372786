package dagscheduler

import "testing"

func buildLinearDAG() *DAG {
	d := New("run1")
	d.AddNode(Node{ID: "a"})
	d.AddNode(Node{ID: "b", DependsOn: []string{"a"}})
	d.AddNode(Node{ID: "c", DependsOn: []string{"b"}})
	return d
}

func TestValidateOrdersLinearDAG(t *testing.T) {
	d := buildLinearDAG()
	order, err := d.Validate()
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a", DependsOn: []string{"b"}})
	d.AddNode(Node{ID: "b", DependsOn: []string{"a"}})
	if _, err := d.Validate(); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestValidateRejectsDanglingDependency(t *testing.T) {
	d := New("run1")
	d.AddNode(Node{ID: "a", DependsOn: []string{"ghost"}})
	if _, err := d.Validate(); err == nil {
		t.Fatal("expected dangling dependency error")
	}
}

func TestReadyNodesRespectsDependencies(t *testing.T) {
	d := buildLinearDAG()
	ready := d.ReadyNodes()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("want only 'a' ready, got %v", ready)
	}

	d.Nodes["a"].Status = Completed
	ready = d.ReadyNodes()
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("want only 'b' ready, got %v", ready)
	}
}

func TestMarkDescendantsSkippedOnFailure(t *testing.T) {
	d := buildLinearDAG()
	d.Nodes["a"].Status = Failed
	d.MarkDescendantsSkipped("a")
	if d.Nodes["b"].Status != Skipped || d.Nodes["c"].Status != Skipped {
		t.Fatalf("expected b and c skipped, got b=%v c=%v", d.Nodes["b"].Status, d.Nodes["c"].Status)
	}
}

func TestDoneAndFailed(t *testing.T) {
	d := buildLinearDAG()
	if d.Done() {
		t.Fatal("expected not done with all nodes pending")
	}
	d.Nodes["a"].Status = Completed
	d.Nodes["b"].Status = Failed
	d.MarkDescendantsSkipped("b")
	if !d.Done() {
		t.Fatal("expected done once all nodes terminal")
	}
	if !d.Failed() {
		t.Fatal("expected Failed() true")
	}
}
