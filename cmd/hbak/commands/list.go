package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/thoreinstein/hbak/internal/config"
	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/naming"
)

var listJSON bool

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots in the output directory",
	Long: `List every snapshot in the configured output directory, newest first.

Files that do not follow the snapshot naming scheme are ignored.`,
	Example: `  # List snapshots
  hbak list

  # Output as JSON
  hbak list --json

  See Also: hbak --restore`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runListWithWriter(cmd.OutOrStdout())
	},
}

// snapshotOutput represents a single snapshot in JSON output.
type snapshotOutput struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Date     string    `json:"date"`
	User     string    `json:"user"`
	Host     string    `json:"host"`
	Sequence int       `json:"sequence"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func runListWithWriter(w io.Writer) error {
	l := layout()
	cfg, err := config.Load(l.OptionsFile())
	if err != nil {
		return errors.NewConfigError(err)
	}

	snaps, err := naming.List(cfg.OutputDir)
	if err != nil {
		return errors.NewSystemError(err, "check "+cfg.OutputDir)
	}

	if listJSON {
		out := make([]snapshotOutput, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, snapshotOutput{
				Name:     s.Name.String(),
				Path:     s.Path,
				Date:     s.Name.Date,
				User:     s.Name.User,
				Host:     s.Name.Host,
				Sequence: s.Name.Seq,
				Size:     s.Size,
				Modified: s.ModTime.UTC(),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(out), "encoding JSON")
	}

	return writeSnapshotTable(w, snaps)
}

func writeSnapshotTable(w io.Writer, snaps []naming.Snapshot) error {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No snapshots found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tWRITTEN")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			s.Name.String(),
			humanize.IBytes(uint64(s.Size)),
			humanize.Time(s.ModTime))
	}
	return errors.Wrap(tw.Flush(), "writing snapshot list")
}
