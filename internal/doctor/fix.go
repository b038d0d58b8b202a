package doctor

import (
	"fmt"
	"os"

	"github.com/thoreinstein/hbak/internal/errors"
)

// Fixer is implemented by checks that can repair what their last Run found.
// hbak doctor --fix calls Fix and then runs every check again.
type Fixer interface {
	CanFix() bool
	Fix() []FixResult
}

// FixResult describes one attempted repair.
type FixResult struct {
	Path        string
	Fixed       bool
	Description string
	Error       error
}

// PermissionFixer removes group and other bits from the paths recorded by
// the last PermissionCheck run. Owner bits are kept as they are.
type PermissionFixer struct {
	issues []pathIssue
}

// CanFix reports whether the last run recorded a fixable issue.
func (f *PermissionFixer) CanFix() bool {
	return f.CountFixable() > 0
}

// CountFixable returns the number of fixable issues.
func (f *PermissionFixer) CountFixable() int {
	n := 0
	for _, issue := range f.issues {
		if issue.fixable() {
			n++
		}
	}
	return n
}

// Fix applies the recorded target modes. Issues without one are skipped.
func (f *PermissionFixer) Fix() []FixResult {
	results := make([]FixResult, 0, f.CountFixable())
	for _, issue := range f.issues {
		if issue.fixable() {
			results = append(results, tighten(issue))
		}
	}
	return results
}

func (f *PermissionFixer) setIssues(issues []pathIssue) {
	f.issues = issues
}

func tighten(issue pathIssue) FixResult {
	res := FixResult{Path: issue.Path}

	// The path may have been replaced since Run; never chmod through a link.
	info, err := os.Lstat(issue.Path)
	if err != nil {
		res.Description = "cannot stat: " + err.Error()
		res.Error = errors.Wrapf(err, "checking %s", issue.Path)
		return res
	}
	if info.Mode()&os.ModeSymlink != 0 {
		res.Description = "refusing to follow a symbolic link"
		res.Error = errors.Newf("%s is a symbolic link", issue.Path)
		return res
	}

	if err := os.Chmod(issue.Path, issue.Want); err != nil {
		res.Description = fmt.Sprintf("chmod %s failed: %v", formatOctal(issue.Want), err)
		res.Error = errors.Wrapf(err, "chmod %s %s", formatOctal(issue.Want), issue.Path)
		return res
	}

	res.Fixed = true
	res.Description = fmt.Sprintf("chmod %s (was %s)", formatOctal(issue.Want), formatOctal(issue.Mode))
	return res
}
