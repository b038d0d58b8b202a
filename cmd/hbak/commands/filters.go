package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thoreinstein/hbak/internal/editor"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/filter"
	"github.com/thoreinstein/hbak/internal/paths"
	"github.com/thoreinstein/hbak/pkg/fileutil"
)

func init() {
	filtersCmd.AddCommand(filtersListCmd)
	filtersCmd.AddCommand(filtersAddCmd)
	filtersCmd.AddCommand(filtersEditCmd)
	rootCmd.AddCommand(filtersCmd)
}

var filtersCmd = &cobra.Command{
	Use:   "filters",
	Short: "Manage the exclusion list",
	Long: `Manage the paths left out of every snapshot.

The list is stored one path per line in the filters file of the configuration
directory. A path excludes itself and everything below it. Without a
subcommand, prints the list.`,
	Example: `  # Show exclusions
  hbak filters

  # Exclude a directory
  hbak filters add ~/VirtualBox\ VMs

  See Also: hbak doctor`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runFiltersList(cmd.OutOrStdout())
	},
}

var filtersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the exclusion list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runFiltersList(cmd.OutOrStdout())
	},
}

var filtersAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Append paths to the exclusion list",
	Long: `Append one or more paths to the exclusion list. Relative paths are
resolved against the current directory and a leading ~ against the home
directory. Existing lines are left untouched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFiltersAdd(cmd.OutOrStdout(), args)
	},
}

var filtersEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the exclusion list in $EDITOR",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		l := layout()
		if err := l.Ensure(); err != nil {
			return errors.NewSystemError(err, "")
		}
		path := l.FiltersFile()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := fileutil.AtomicWriteLines(path, []string{"# One excluded path per line."}, filter.FilePerm); err != nil {
				return errors.NewSystemError(err, "")
			}
		}
		return editor.Open(cmd.Context(), path, cmd.OutOrStdout())
	},
}

func readFilters() (*filter.Set, string, error) {
	home, err := paths.ResolveHome()
	if err != nil {
		return nil, "", errors.NewSystemError(err, "set $HOME")
	}
	path := layout().FiltersFile()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		set, _ := filter.New()
		return set, path, nil
	}
	data, err := fileutil.ReadFileWithLimit(path, fileutil.MaxConfigSize)
	if err != nil {
		return nil, path, errors.NewSystemError(err, "")
	}
	set, err := filter.Parse(data, home)
	if err != nil {
		return nil, path, errors.NewUserError(err, "Run: hbak filters edit")
	}
	return set, path, nil
}

func runFiltersList(w io.Writer) error {
	set, path, err := readFilters()
	if err != nil {
		return err
	}
	if set.Len() == 0 {
		fmt.Fprintf(w, "No exclusions in %s\n", path)
		return nil
	}
	for _, e := range set.Entries() {
		fmt.Fprintln(w, e)
	}
	return nil
}

func runFiltersAdd(w io.Writer, args []string) error {
	set, path, err := readFilters()
	if err != nil {
		return err
	}
	if err := layout().Ensure(); err != nil {
		return errors.NewSystemError(err, "")
	}

	home := paths.Home()
	entries := make([]string, 0, len(args))
	for _, a := range args {
		entries = append(entries, absolute(paths.ExpandHome(a, home)))
	}
	if err := set.Append(path, entries...); err != nil {
		if errors.Is(err, filter.ErrInvalidEntry) {
			return errors.NewUserError(err, "exclusions must be absolute paths")
		}
		return errors.NewSystemError(err, "")
	}
	for _, e := range entries {
		printf(w, "Excluding %s\n", e)
	}
	return nil
}

func absolute(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
