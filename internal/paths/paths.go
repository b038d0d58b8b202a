package paths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
)

// AppName is the directory name used under the XDG config home.
const AppName = "hbak"

// EnvConfigDir overrides the configuration root when set.
const EnvConfigDir = "HBAK_CONFIG_DIR"

// File names inside the configuration root.
const (
	KeyFileName     = "key"
	OptionsFileName = "options"
	FiltersFileName = "filters"
)

// Sentinel errors for path resolution.
var (
	// ErrHomeDirNotFound indicates the user's home directory could not be determined.
	ErrHomeDirNotFound = errors.New("home directory not found")

	// ErrInvalidPath indicates the provided path is malformed or invalid.
	ErrInvalidPath = errors.New("invalid path")
)

// DefaultDirPerm is the default permission for newly created directories (private).
const DefaultDirPerm = 0o700

// EnsureDir creates the directory and any necessary parents with specified permissions.
// If perm is 0, DefaultDirPerm (0700) is used.
// This function is idempotent; it returns nil if the directory already exists.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = DefaultDirPerm
	}
	return os.MkdirAll(path, perm)
}

// Home returns the user's home directory.
// This is a thin wrapper around os.UserHomeDir for consistency.
// Note: It returns an empty string on error.
// Use ResolveHome for proper error handling.
func Home() string {
	h, _ := ResolveHome()
	return h
}

// ResolveHome returns the user's home directory.
// Returns ErrHomeDirNotFound if the directory cannot be determined.
func ResolveHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(ErrHomeDirNotFound, err.Error())
	}
	return home, nil
}

// ConfigHome returns the XDG config home directory.
// On Linux: ~/.config
// On macOS: ~/Library/Application Support
func ConfigHome() string {
	return xdg.ConfigHome
}

// ConfigRoot returns the directory holding the key, options and filters files.
// HBAK_CONFIG_DIR takes precedence over <ConfigHome>/hbak.
func ConfigRoot() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return filepath.Join(ConfigHome(), AppName)
}

// Layout locates the persisted state files under a configuration root.
type Layout struct {
	Root string
}

// DefaultLayout returns the Layout rooted at ConfigRoot.
func DefaultLayout() Layout {
	return Layout{Root: ConfigRoot()}
}

// KeyFile returns <root>/key.
func (l Layout) KeyFile() string {
	return filepath.Join(l.Root, KeyFileName)
}

// OptionsFile returns <root>/options.
func (l Layout) OptionsFile() string {
	return filepath.Join(l.Root, OptionsFileName)
}

// FiltersFile returns <root>/filters.
func (l Layout) FiltersFile() string {
	return filepath.Join(l.Root, FiltersFileName)
}

// Ensure creates the configuration root with private permissions.
func (l Layout) Ensure() error {
	if l.Root == "" {
		return errors.Wrap(ErrInvalidPath, "empty configuration root")
	}
	return errors.Wrap(EnsureDir(l.Root, DefaultDirPerm), "creating configuration root")
}

// ExpandHome expands a leading ~ to home. Other paths are returned cleaned.
func ExpandHome(path, home string) string {
	switch {
	case path == "~":
		return home
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(home, path[2:])
	case path == "":
		return ""
	default:
		return filepath.Clean(path)
	}
}

// Segments splits a cleaned absolute path into its components.
// Segments("/home/alice") returns ["home", "alice"]; Segments("/") returns nil.
func Segments(path string) []string {
	clean := filepath.ToSlash(filepath.Clean(path))
	clean = strings.Trim(clean, "/")
	if clean == "" || clean == "." {
		return nil
	}
	return strings.Split(clean, "/")
}

// IsUnder reports whether path equals prefix or lies beneath it.
// Both arguments are cleaned; the comparison is component-aware, so
// "/a/bc" is not under "/a/b".
func IsUnder(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	if prefix == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
