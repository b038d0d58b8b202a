package doctor

import (
	"fmt"
	"os"

	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/filter"
	"github.com/thoreinstein/hbak/internal/keystore"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/internal/pipeline"
)

// OptionsCheck verifies that the options file loads and validates.
type OptionsCheck struct {
	Path string
}

var _ Check = (*OptionsCheck)(nil)

func (c *OptionsCheck) Name() string { return "options" }
func (c *OptionsCheck) Category() string { return "config" }

func (c *OptionsCheck) Run() *CheckResult {
	res := &CheckResult{Name: c.Name(), Category: c.Category()}

	cfg, err := config.Load(c.Path)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		res.Status = SeverityWarning
		res.Message = "options file not found; the next backup will ask for it"
		res.FixHint = "Run: hbak"
	case err != nil:
		res.Status = SeverityError
		res.Message = err.Error()
		res.FixHint = "Run: hbak config edit"
	default:
		res.Status = SeverityPass
		res.Message = "options file is valid"
		res.Details = map[string]any{
			"output_dir":        cfg.OutputDir,
			"restore_dir":       cfg.RestoreDir,
			"date_format":       cfg.DateFormat,
			"compression_level": cfg.CompressionLevel,
		}
	}
	res.Details = withPath(res.Details, c.Path)
	return res
}

// KeyCheck verifies the key file permissions. It never modifies the key.
type KeyCheck struct {
	Path string
}

var _ Check = (*KeyCheck)(nil)

func (c *KeyCheck) Name() string { return "key" }
func (c *KeyCheck) Category() string { return "security" }

func (c *KeyCheck) Run() *CheckResult {
	res := &CheckResult{Name: c.Name(), Category: c.Category(), Details: withPath(nil, c.Path)}

	if _, err := os.Lstat(c.Path); os.IsNotExist(err) {
		res.Status = SeverityInfo
		res.Message = "key file not created yet; the next backup generates it"
		return res
	}

	err := keystore.Verify(c.Path)
	switch {
	case err == nil:
		res.Status = SeverityPass
		res.Message = "key file is private and readable"
	case errors.Is(err, keystore.ErrKeyPermissions):
		res.Status = SeverityError
		res.Message = err.Error()
		res.FixHint = "chmod 600 " + c.Path
	default:
		res.Status = SeverityError
		res.Message = err.Error()
		res.FixHint = "check ownership of " + c.Path
	}
	return res
}

// FiltersCheck reports the exclusion list and entries that cannot match.
type FiltersCheck struct {
	Path string
	Home string
}

var _ Check = (*FiltersCheck)(nil)

func (c *FiltersCheck) Name() string { return "filters" }
func (c *FiltersCheck) Category() string { return "config" }

func (c *FiltersCheck) Run() *CheckResult {
	res := &CheckResult{Name: c.Name(), Category: c.Category()}

	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		res.Status = SeverityInfo
		res.Message = "filters file not created yet; the next backup will ask for exclusions"
		res.Details = withPath(nil, c.Path)
		return res
	}
	if err != nil {
		res.Status = SeverityError
		res.Message = fmt.Sprintf("cannot read filters file: %v", err)
		res.Details = withPath(nil, c.Path)
		return res
	}

	set, err := filter.Parse(data, c.Home)
	if err != nil {
		res.Status = SeverityError
		res.Message = err.Error()
		res.FixHint = "Run: hbak filters edit"
		res.Details = withPath(nil, c.Path)
		return res
	}

	var outside, missing []string
	for _, e := range set.Entries() {
		if !paths.IsUnder(e, c.Home) {
			outside = append(outside, e)
			continue
		}
		if _, err := os.Lstat(e); os.IsNotExist(err) {
			missing = append(missing, e)
		}
	}

	res.Details = withPath(map[string]any{"entries": set.Len()}, c.Path)
	switch {
	case len(outside) > 0:
		res.Status = SeverityWarning
		res.Message = fmt.Sprintf("%d exclusion(s) lie outside %s and never match", len(outside), c.Home)
		res.Details["outside_home"] = outside
		res.FixHint = "Run: hbak filters edit"
	case len(missing) > 0:
		res.Status = SeverityInfo
		res.Message = fmt.Sprintf("%d exclusion(s), %d not present on disk", set.Len(), len(missing))
		res.Details["missing"] = missing
	default:
		res.Status = SeverityPass
		res.Message = fmt.Sprintf("%d exclusion(s)", set.Len())
	}
	return res
}

// DirectoryCheck verifies that a snapshot directory accepts new files.
type DirectoryCheck struct {
	Label string
	Dir   string

	// Optional directories are created on demand, so their absence is
	// informational.
	Optional bool
}

var _ Check = (*DirectoryCheck)(nil)

func (c *DirectoryCheck) Name() string { return c.Label }
func (c *DirectoryCheck) Category() string { return "filesystem" }

func (c *DirectoryCheck) Run() *CheckResult {
	res := &CheckResult{Name: c.Name(), Category: c.Category(), Details: withPath(nil, c.Dir)}

	if _, err := os.Stat(c.Dir); os.IsNotExist(err) {
		if c.Optional {
			res.Status = SeverityInfo
			res.Message = "directory does not exist yet; it is created when needed"
			return res
		}
		res.Status = SeverityWarning
		res.Message = "directory does not exist; the next backup creates it"
		res.FixHint = "mkdir -p " + c.Dir
		return res
	}

	if err := pipeline.CheckWritable(c.Dir); err != nil {
		res.Status = SeverityError
		res.Message = err.Error()
		res.FixHint = "chmod u+wx " + c.Dir
		return res
	}

	res.Status = SeverityPass
	res.Message = "directory is writable"
	return res
}

func withPath(details map[string]any, path string) map[string]any {
	if details == nil {
		details = make(map[string]any)
	}
	details["path"] = path
	return details
}
