// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/runtime"
)

// DumpCompleteMarker matches the trailer written by pg_dumpall
const DumpCompleteMarker = "-- PostgreSQL database cluster dump complete"

// DefaultDump is a small dump that passes verification
var DefaultDump = []byte("--\n-- PostgreSQL database cluster dump\n--\nCREATE ROLE app;\n\n" + DumpCompleteMarker + "\n\n")

// Operation names recorded by Fake
const (
	OpIsRunning     = "IsRunning"
	OpIsReady       = "IsReady"
	OpExec          = "Exec"
	OpExecStreaming = "ExecStreaming"
	OpRecentLogs    = "RecentLogs"
	OpStopTopology  = "StopTopology"
	OpStartTopology = "StartTopology"
	OpRunEphemeral  = "RunEphemeral"
)

// Call is one recorded invocation
type Call struct {
	Op      string
	Name    string
	Command []string
}

// Fake simulates a single engine container with a data directory.
// Fields may be set before the fake is used; the fake locks internally afterwards.
type Fake struct {
	mu sync.Mutex

	Running bool
	Ready   bool
	// DataFiles is the number of entries in the data directory
	DataFiles int

	// DumpOutput is written by pg_dumpall; DumpExit is its exit code
	DumpOutput []byte
	DumpExit   int

	// RestoreExits are consumed one per psql invocation; 0 once exhausted
	RestoreExits []int
	Restored     [][]byte

	// ReadyAfterStart controls readiness after StartTopology
	ReadyAfterStart bool
	// IgnoreStop keeps the engine ready after pg_ctl stop
	IgnoreStop bool
	// Unavailable makes every call fail with RuntimeUnavailable
	Unavailable bool

	StartErr     error
	EphemeralErr error
	Logs         string

	calls []Call
}

var _ runtime.Runtime = (*Fake)(nil)

// NewFake returns a running, ready engine with a populated data directory
func NewFake() *Fake {
	return &Fake{
		Running:         true,
		Ready:           true,
		DataFiles:       3,
		DumpOutput:      DefaultDump,
		ReadyAfterStart: true,
		Logs:            "LOG:  database system is ready to accept connections\n",
	}
}

func (f *Fake) record(op, name string, cmd []string) error {
	f.calls = append(f.calls, Call{Op: op, Name: name, Command: cmd})
	if f.Unavailable {
		return errors.New(errors.KindRuntimeUnavailable, "fake runtime unavailable")
	}
	return nil
}

func (f *Fake) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpIsRunning, name, nil); err != nil {
		return false, err
	}
	return f.Running, nil
}

func (f *Fake) IsReady(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpIsReady, name, nil); err != nil {
		return false, err
	}
	return f.Running && f.Ready, nil
}

func (f *Fake) Exec(ctx context.Context, name string, cmd []string) (runtime.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpExec, name, cmd); err != nil {
		return runtime.ExecResult{}, err
	}
	if len(cmd) > 0 && cmd[0] == "pg_ctl" && !f.IgnoreStop {
		f.Ready = false
	}
	return runtime.ExecResult{Output: "", ExitCode: 0}, nil
}

func (f *Fake) ExecStreaming(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpExecStreaming, name, cmd); err != nil {
		return -1, err
	}
	if len(cmd) == 0 {
		return 127, nil
	}

	switch cmd[0] {
	case "pg_dumpall":
		if _, err := stdout.Write(f.DumpOutput); err != nil {
			return -1, err
		}
		return f.DumpExit, nil
	case "psql":
		var buf bytes.Buffer
		if stdin != nil {
			if _, err := io.Copy(&buf, stdin); err != nil {
				return -1, err
			}
		}
		code := 0
		if len(f.RestoreExits) > 0 {
			code = f.RestoreExits[0]
			f.RestoreExits = f.RestoreExits[1:]
		}
		if code == 0 {
			f.Restored = append(f.Restored, buf.Bytes())
			f.DataFiles++
		}
		return code, nil
	}
	return 127, nil
}

func (f *Fake) RecentLogs(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpRecentLogs, name, nil); err != nil {
		return "", err
	}
	return f.Logs, nil
}

func (f *Fake) StopTopology(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpStopTopology, "", nil); err != nil {
		return err
	}
	f.Running = false
	f.Ready = false
	return nil
}

func (f *Fake) StartTopology(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpStartTopology, "", nil); err != nil {
		return err
	}
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Running = true
	f.Ready = f.ReadyAfterStart
	return nil
}

func (f *Fake) RunEphemeral(ctx context.Context, service string, cmd []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpRunEphemeral, service, cmd); err != nil {
		return err
	}
	if f.EphemeralErr != nil {
		return f.EphemeralErr
	}
	f.DataFiles = 0
	return nil
}

func (f *Fake) Close() error { return nil }

// Calls returns a copy of the recorded invocations
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was invoked
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Mutations returns the invocations that change container or topology state
func (f *Fake) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls() {
		switch c.Op {
		case OpExec, OpExecStreaming, OpStopTopology, OpStartTopology, OpRunEphemeral:
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns the current engine state under the lock
func (f *Fake) Snapshot() (running, ready bool, dataFiles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Running, f.Ready, f.DataFiles
}
