package security

import (
	"testing"

	"github.com/fly-io/pgupgrade/pkg/errors"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := DefaultValidator()

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"dump_v13_20240101_000000.sql", false},
		{"backups/dump_v13.sql", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../file.sql", false},
		{"dir/../../etc/passwd", true},
		{"..data", false},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateContainerName(t *testing.T) {
	v := NewValidator(16, 8)

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"postgres", false},
		{"pg_db-1.main", false},
		{"", true},
		{"-leading-dash", true},
		{"has space", true},
		{"a-very-long-container-name", true},
	}

	for _, tt := range tests {
		err := v.ValidateContainerName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for name %q", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for name %q: %v", tt.name, err)
		}
		if err != nil && errors.KindOf(err) != errors.KindArgumentError {
			t.Errorf("expected ArgumentError for %q, got %q", tt.name, errors.KindOf(err))
		}
	}
}

func TestValidateVersion(t *testing.T) {
	v := DefaultValidator()

	for _, ok := range []string{"13", "14", "16.2", "17beta1"} {
		if err := v.ValidateVersion(ok); err != nil {
			t.Errorf("unexpected error for %q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "13/..", "14 ", "-1", "13:latest"} {
		if err := v.ValidateVersion(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestValidateDataDir(t *testing.T) {
	v := DefaultValidator()

	tests := []struct {
		dir       string
		shouldErr bool
	}{
		{"/var/lib/postgresql/data", false},
		{"/", true},
		{"relative/data", true},
		{"/var/lib/../../", true},
		{"", true},
	}

	for _, tt := range tests {
		err := v.ValidateDataDir(tt.dir)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for dir %q", tt.dir)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for dir %q: %v", tt.dir, err)
		}
	}
}

func TestNormalizeDataDir(t *testing.T) {
	tests := map[string]string{
		"/var/lib/postgresql/data/":   "/var/lib/postgresql/data",
		"/var/lib/postgresql/data///": "/var/lib/postgresql/data",
		"/var/lib/postgresql/data":    "/var/lib/postgresql/data",
		"/":                           "/",
		"":                            "",
	}
	for in, want := range tests {
		if got := NormalizeDataDir(in); got != want {
			t.Errorf("NormalizeDataDir(%q) = %q, want %q", in, got, want)
		}
	}
}
