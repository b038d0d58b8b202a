package doctor

import (
	"fmt"
	"os"
)

// PermissionCheck looks for group or world access on the configuration root
// and the files in it. The key file is left to KeyCheck, which reports but
// never repairs.
type PermissionCheck struct {
	PermissionFixer

	Root  string
	Files []string
}

var _ Check = (*PermissionCheck)(nil)
var _ Fixer = (*PermissionCheck)(nil)

// NewPermissionCheck creates a check for root and files inside it.
func NewPermissionCheck(root string, files ...string) *PermissionCheck {
	return &PermissionCheck{Root: root, Files: files}
}

func (c *PermissionCheck) Name() string { return "permissions" }
func (c *PermissionCheck) Category() string { return "security" }

func (c *PermissionCheck) Run() *CheckResult {
	var issues []pathIssue
	checked := 0

	if info, err := os.Stat(c.Root); err == nil {
		checked++
		switch {
		case !info.IsDir():
			issues = append(issues, pathIssue{
				Path:     c.Root,
				Kind:     "directory",
				Problem:  "expected directory but found file",
				Severity: SeverityError,
			})
		case info.Mode().Perm()&0o077 != 0:
			issues = append(issues, privateIssue(c.Root, "directory",
				"configuration directory is accessible to other users", info.Mode().Perm()))
		}
	}

	for _, f := range c.Files {
		info, err := os.Lstat(f)
		if err != nil {
			continue
		}
		checked++
		if !info.Mode().IsRegular() {
			issues = append(issues, pathIssue{
				Path:     f,
				Kind:     "file",
				Problem:  "not a regular file",
				Severity: SeverityError,
			})
			continue
		}
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			issues = append(issues, privateIssue(f, "file", "file is writable by other users", perm))
		}
	}

	c.setIssues(issues)
	return c.buildResult(issues, checked)
}

// pathIssue is one problem found on a path. A non-zero Want is the mode
// PermissionFixer applies.
type pathIssue struct {
	Path     string
	Kind     string
	Problem  string
	Severity Severity
	Mode     os.FileMode
	Want     os.FileMode
}

func (i pathIssue) fixable() bool { return i.Want != 0 }

func privateIssue(path, kind, problem string, perm os.FileMode) pathIssue {
	return pathIssue{
		Path:     path,
		Kind:     kind,
		Problem:  problem,
		Severity: SeverityWarning,
		Mode:     perm,
		Want:     perm &^ 0o077,
	}
}

func (c *PermissionCheck) buildResult(issues []pathIssue, checked int) *CheckResult {
	res := &CheckResult{Name: c.Name(), Category: c.Category()}
	if len(issues) == 0 {
		res.Status = SeverityPass
		res.Message = fmt.Sprintf("all %d paths have private permissions", checked)
		return res
	}

	res.Status = SeverityWarning
	details := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			res.Status = SeverityError
		}
		m := map[string]any{
			"path":     issue.Path,
			"type":     issue.Kind,
			"problem":  issue.Problem,
			"severity": issue.Severity.String(),
		}
		if issue.Mode != 0 {
			m["permissions"] = formatOctal(issue.Mode)
		}
		if issue.fixable() {
			res.Fixable = true
			m["fix_hint"] = fmt.Sprintf("chmod %s %s", formatOctal(issue.Want), issue.Path)
		}
		details = append(details, m)
	}

	res.Message = fmt.Sprintf("%d permission issue(s) in %d paths", len(issues), checked)
	res.Details = map[string]any{
		"checked_paths": checked,
		"issue_count":   len(issues),
		"issues":        details,
	}
	if res.Fixable {
		res.FixHint = "Run: hbak doctor --fix"
	}
	return res
}

func formatOctal(perm os.FileMode) string {
	return fmt.Sprintf("%04o", perm)
}
