package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/doctor"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/paths"
)

var (
	doctorJSON    bool
	doctorQuiet   bool
	doctorVerbose bool
	doctorFix     bool
)

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false,
		"output results as JSON")
	doctorCmd.Flags().BoolVar(&doctorQuiet, "quiet", false,
		"suppress output, exit code only")
	doctorCmd.Flags().BoolVar(&doctorVerbose, "verbose", false,
		"show detailed check-by-check output")
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false,
		"tighten permissions on the configuration directory and its files (never the key)")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration issues",
	Long: `Run diagnostic checks on the hbak setup.

Checks the options file, the key file permissions, the exclusion list and
whether the output and restore directories accept new files.

Output modes (mutually exclusive):
  (default)   Show errors and warnings
  --verbose   Show all checks including passed ones
  --quiet     No output, exit code only
  --json      Machine-readable JSON output

Exit codes:
  0 - All checks passed (no errors or warnings)
  1 - Warnings present, no errors
  2 - Errors present`,
	Args:    cobra.NoArgs,
	PreRunE: validateDoctorFlags,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDoctor(cmd, cmd.OutOrStdout())
	},
}

// validateDoctorFlags ensures output flags are mutually exclusive.
func validateDoctorFlags(_ *cobra.Command, _ []string) error {
	count := 0
	for _, set := range []bool{doctorJSON, doctorQuiet, doctorVerbose} {
		if set {
			count++
		}
	}

	if count > 1 {
		return errors.NewUserError(errors.New("flags --json, --quiet, and --verbose are mutually exclusive"), "")
	}

	return nil
}

func newDoctorRunner(l paths.Layout, home string) *doctor.Runner {
	runner := doctor.NewRunner()
	runner.AddCheck(&doctor.OptionsCheck{Path: l.OptionsFile()})
	runner.AddCheck(&doctor.KeyCheck{Path: l.KeyFile()})
	runner.AddCheck(&doctor.FiltersCheck{Path: l.FiltersFile(), Home: home})
	runner.AddCheck(doctor.NewPermissionCheck(l.Root, l.OptionsFile(), l.FiltersFile()))

	if cfg, err := config.Load(l.OptionsFile()); err == nil {
		runner.AddCheck(&doctor.DirectoryCheck{Label: "output-dir", Dir: cfg.OutputDir})
		runner.AddCheck(&doctor.DirectoryCheck{Label: "restore-dir", Dir: cfg.RestoreDir, Optional: true})
	}
	return runner
}

func runDoctor(cmd *cobra.Command, w io.Writer) error {
	runner := newDoctorRunner(layout(), paths.Home())
	report := runner.Run(cmd.Context())

	if doctorFix {
		for _, f := range runner.Fixers() {
			for _, r := range f.Fix() {
				if r.Fixed {
					fmt.Fprintf(w, "fixed %s: %s\n", r.Path, r.Description)
				} else {
					fmt.Fprintf(w, "could not fix %s: %s\n", r.Path, r.Description)
				}
			}
		}
		report = runner.Run(cmd.Context())
	}

	if err := outputDoctorReport(w, report); err != nil {
		return err
	}

	// Determine exit code based on results
	if report.HasErrors() {
		return errors.NewExitError(errDoctorErrors, errors.ExitSystem)
	}
	if report.HasWarnings() {
		return errors.NewExitError(errDoctorWarnings, errors.ExitUser)
	}
	return nil
}

func outputDoctorReport(w io.Writer, report *doctor.DoctorReport) error {
	if doctorQuiet {
		return nil
	}

	if doctorJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(report), "encoding JSON")
	}

	return outputDoctorText(w, report)
}

func outputDoctorText(w io.Writer, report *doctor.DoctorReport) error {
	// In normal mode, show only errors and warnings
	// In verbose mode, show all checks
	showAll := doctorVerbose

	hasOutput := false
	for _, result := range report.Results {
		if !showAll && result.Status != doctor.SeverityError && result.Status != doctor.SeverityWarning {
			continue
		}

		hasOutput = true
		fmt.Fprintf(w, "%s [%s] %s: %s\n", statusIcon(result.Status), result.Category, result.Name, result.Message)

		if result.FixHint != "" && (result.Status == doctor.SeverityError || result.Status == doctor.SeverityWarning) {
			fmt.Fprintf(w, "  hint: %s\n", result.FixHint)
		}
	}

	if hasOutput || showAll {
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Summary: %d passed, %d info, %d warnings, %d errors\n",
		report.Summary.Passed, report.Summary.Info, report.Summary.Warnings, report.Summary.Errors)

	return nil
}

func statusIcon(s doctor.Severity) string {
	switch s {
	case doctor.SeverityPass:
		return color.GreenString("✓")
	case doctor.SeverityInfo:
		return color.CyanString("ℹ")
	case doctor.SeverityWarning:
		return color.YellowString("⚠")
	case doctor.SeverityError:
		return color.RedString("✗")
	default:
		return "?"
	}
}

// errDoctorWarnings is a sentinel error for exit code 1.
var errDoctorWarnings = errors.New("warnings found")

// errDoctorErrors is a sentinel error for exit code 2.
var errDoctorErrors = errors.New("errors found")
