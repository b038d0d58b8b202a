package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/thoreinstein/hbak/internal/errors"
)

func TestHome(t *testing.T) {
	got := Home()
	want, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("os.UserHomeDir() failed: %v", err)
	}
	if got != want {
		t.Errorf("Home() = %q, want %q", got, want)
	}
}

func TestResolveHome(t *testing.T) {
	got, err := ResolveHome()
	want, _ := os.UserHomeDir()

	if err != nil {
		// This might happen in some restricted environments,
		// but normally should succeed.
		if !errors.Is(err, ErrHomeDirNotFound) {
			t.Errorf("unexpected error type: %v", err)
		}
	} else if got != want {
		t.Errorf("ResolveHome() = %q, want %q", got, want)
	}
}

func TestConfigHome(t *testing.T) {
	got := ConfigHome()
	if got == "" {
		t.Error("ConfigHome() returned empty string")
	}
	// Verify it's an absolute path
	if !filepath.IsAbs(got) {
		t.Errorf("ConfigHome() = %q, want absolute path", got)
	}
}

func TestConfigRoot(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvConfigDir, dir)
		if got := ConfigRoot(); got != dir {
			t.Errorf("ConfigRoot() = %q, want %q", got, dir)
		}
	})

	t.Run("xdg default", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "")
		want := filepath.Join(ConfigHome(), AppName)
		if got := ConfigRoot(); got != want {
			t.Errorf("ConfigRoot() = %q, want %q", got, want)
		}
	})
}

func TestLayout(t *testing.T) {
	l := Layout{Root: "/cfg/hbak"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"key", l.KeyFile(), "/cfg/hbak/key"},
		{"options", l.OptionsFile(), "/cfg/hbak/options"},
		{"filters", l.FiltersFile(), "/cfg/hbak/filters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestLayout_Ensure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "hbak")
	if err := (Layout{Root: root}).Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != DefaultDirPerm {
		t.Errorf("perm = %o, want %o", info.Mode().Perm(), DefaultDirPerm)
	}

	if err := (Layout{}).Ensure(); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Ensure() on empty root error = %v, want ErrInvalidPath", err)
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"~", "/home/alice"},
		{"~/Downloads", "/home/alice/Downloads"},
		{"/var/backups/", "/var/backups"},
		{"~alice/x", "~alice/x"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in, "/home/alice"); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSegments(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"/", 0},
		{"/home", 1},
		{"/home/alice", 2},
		{"/home/alice/", 2},
		{"/Users/bob/work", 3},
	}
	for _, tt := range tests {
		if got := len(Segments(tt.in)); got != tt.want {
			t.Errorf("len(Segments(%q)) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsUnder(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/home/alice/.cache", "/home/alice/.cache", true},
		{"/home/alice/.cache/x/y", "/home/alice/.cache", true},
		{"/home/alice/.cache2", "/home/alice/.cache", false},
		{"/home/alice", "/home/alice/.cache", false},
		{"/etc/passwd", "/", true},
		{"/home/alice/.cache/", "/home/alice/.cache/", true},
	}
	for _, tt := range tests {
		if got := IsUnder(tt.path, tt.prefix); got != tt.want {
			t.Errorf("IsUnder(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates new directory with default perms", func(t *testing.T) {
		path := filepath.Join(tmpDir, "new-dir")
		err := EnsureDir(path, 0)
		if err != nil {
			t.Fatalf("EnsureDir failed: %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if !info.IsDir() {
			t.Errorf("expected directory, got file")
		}
		// On some systems (like macOS), the mode might have extra bits (like 0700 or 0755)
		// but we want to check the permission bits.
		if info.Mode().Perm() != DefaultDirPerm {
			t.Errorf("expected perm %o, got %o", DefaultDirPerm, info.Mode().Perm())
		}
	})

	t.Run("creates nested directories", func(t *testing.T) {
		path := filepath.Join(tmpDir, "parent", "child", "grandchild")
		err := EnsureDir(path, 0o755)
		if err != nil {
			t.Fatalf("EnsureDir failed: %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Mode().Perm() != 0o755 {
			t.Errorf("expected perm 0755, got %o", info.Mode().Perm())
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		path := filepath.Join(tmpDir, "existing")
		err := os.Mkdir(path, 0o755)
		if err != nil {
			t.Fatal(err)
		}

		err = EnsureDir(path, 0o700)
		if err != nil {
			t.Errorf("EnsureDir failed on existing directory: %v", err)
		}

		// Note: MkdirAll (and thus EnsureDir) does NOT change permissions of existing directories.
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o755 {
			t.Errorf("expected original perm 0755 to be preserved, got %o", info.Mode().Perm())
		}
	})
}
