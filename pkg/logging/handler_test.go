package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestLineHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, nil))

	logger.Info("backup_created", "path", "/tmp/dump v13.sql", "size", 42)

	line := buf.String()
	pattern := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] INFO: backup_created path="/tmp/dump v13.sql" size=42\n$`)
	if !pattern.MatchString(line) {
		t.Errorf("unexpected line: %q", line)
	}
}

func TestLineHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelWarn))

	logger.Info("hidden")
	logger.Error("stage_failed", "stage", "restoring")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered")
	}
	if !strings.Contains(buf.String(), "] ERROR: stage_failed stage=restoring") {
		t.Errorf("missing error line: %q", buf.String())
	}
}

func TestLineHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, nil)).With("run_id", "abc").WithGroup("req")

	logger.Info("run_start", "from", "13", slog.Group("wait", "attempts", 3), "empty", "")

	want := " run_id=abc req.from=13 req.wait.attempts=3 req.empty=\"\"\n"
	if !strings.HasSuffix(buf.String(), want) {
		t.Errorf("got %q, want suffix %q", buf.String(), want)
	}
}

func TestOpenFile_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "upgrade.log")

	for i := 0; i < 2; i++ {
		f, err := OpenFile(path)
		if err != nil {
			t.Fatalf("OpenFile failed: %v", err)
		}
		slog.New(NewLineHandler(f, nil)).Info("run_start")
		f.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "INFO: run_start"); n != 2 {
		t.Errorf("expected 2 lines, got %d:\n%s", n, data)
	}
}

func TestFanout(t *testing.T) {
	var info, errs bytes.Buffer
	h := Fanout{
		NewLineHandler(&info, slog.LevelInfo),
		NewLineHandler(&errs, slog.LevelError),
	}
	logger := slog.New(h)

	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("fanout should be enabled when any handler is")
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("fanout should be disabled when no handler is")
	}

	logger.Info("one")
	logger.With("k", "v").Error("two")

	if strings.Count(info.String(), "\n") != 2 {
		t.Errorf("info handler got %q", info.String())
	}
	if strings.Count(errs.String(), "\n") != 1 || !strings.Contains(errs.String(), "ERROR: two k=v") {
		t.Errorf("error handler got %q", errs.String())
	}
}

func TestLineHandler_TimeAttr(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	slog.New(NewLineHandler(&buf, nil)).Info("x", "at", ts)

	if !strings.Contains(buf.String(), "at=2024-03-01T12:00:00Z") {
		t.Errorf("unexpected time rendering: %q", buf.String())
	}
}
