package datadir

import (
	"context"
	"testing"
	"time"

	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/retry"
	"github.com/fly-io/pgupgrade/pkg/runtime/runtimetest"
)

var fastBudget = retry.Budget{Attempts: 10, Interval: time.Millisecond}

func TestQuiesceAndClean_RunningEngine(t *testing.T) {
	rt := runtimetest.NewFake()
	r := NewResetter(rt, "db", fastBudget)

	if err := r.QuiesceAndClean(context.Background(), "pg", "/var/lib/postgresql/data"); err != nil {
		t.Fatalf("QuiesceAndClean failed: %v", err)
	}

	running, _, files := rt.Snapshot()
	if running {
		t.Error("topology should be stopped")
	}
	if files != 0 {
		t.Errorf("data dir has %d entries, want 0", files)
	}

	var ops []string
	for _, c := range rt.Mutations() {
		ops = append(ops, c.Op)
	}
	want := []string{runtimetest.OpExec, runtimetest.OpStopTopology, runtimetest.OpRunEphemeral}
	if len(ops) != len(want) {
		t.Fatalf("mutations = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("mutation %d = %s, want %s", i, ops[i], want[i])
		}
	}

	calls := rt.Calls()
	last := calls[len(calls)-1]
	if last.Name != "db" || last.Command[0] != "find" || last.Command[1] != "/var/lib/postgresql/data" {
		t.Errorf("unexpected cleanup call: %+v", last)
	}
}

func TestQuiesceAndClean_AlreadyStopped(t *testing.T) {
	rt := runtimetest.NewFake()
	rt.Running = false
	rt.Ready = false
	r := NewResetter(rt, "db", fastBudget)

	if err := r.QuiesceAndClean(context.Background(), "pg", "/data"); err != nil {
		t.Fatalf("QuiesceAndClean failed: %v", err)
	}

	if rt.Count(runtimetest.OpExec) != 0 || rt.Count(runtimetest.OpStopTopology) != 0 {
		t.Error("stopped engine should skip straight to cleanup")
	}
	if rt.Count(runtimetest.OpRunEphemeral) != 1 {
		t.Error("cleanup not run")
	}
}

func TestQuiesceAndClean_ShutdownTimeout(t *testing.T) {
	rt := runtimetest.NewFake()
	rt.IgnoreStop = true
	r := NewResetter(rt, "db", fastBudget)

	err := r.QuiesceAndClean(context.Background(), "pg", "/data")
	if errors.KindOf(err) != errors.KindShutdownTimeout {
		t.Fatalf("expected ShutdownTimeout, got %v", err)
	}

	if got := rt.Count(runtimetest.OpIsReady); got != fastBudget.Attempts {
		t.Errorf("readiness polled %d times, want %d", got, fastBudget.Attempts)
	}
	if rt.Count(runtimetest.OpRunEphemeral) != 0 {
		t.Error("data must not be deleted under a live engine")
	}
	if _, _, files := rt.Snapshot(); files == 0 {
		t.Error("data dir emptied despite timeout")
	}
}

func TestQuiesceAndClean_CleanupFails(t *testing.T) {
	rt := runtimetest.NewFake()
	rt.EphemeralErr = errors.New(errors.KindRuntimeUnavailable, "no such service")
	r := NewResetter(rt, "db", fastBudget)

	err := r.QuiesceAndClean(context.Background(), "pg", "/data")
	if errors.KindOf(err) != errors.KindRuntimeUnavailable {
		t.Errorf("expected RuntimeUnavailable, got %v", err)
	}
}

func TestQuiesceAndClean_Cancelled(t *testing.T) {
	rt := runtimetest.NewFake()
	rt.IgnoreStop = true
	r := NewResetter(rt, "db", retry.Budget{Attempts: 10, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.QuiesceAndClean(ctx, "pg", "/data")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if rt.Count(runtimetest.OpRunEphemeral) != 0 {
		t.Error("cleanup ran after cancellation")
	}
}

func TestNewResetter_DefaultBudget(t *testing.T) {
	r := NewResetter(runtimetest.NewFake(), "db", retry.Budget{})
	if r.budget != DefaultShutdownBudget {
		t.Errorf("budget = %+v, want default", r.budget)
	}
}
