package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/genhat/pkg/snapshot"
)

var SnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and convert snapshot files",
}

// snapshotInspectCmd validates a snapshot the same way a load would, without
// touching any live state.
var snapshotInspectCmd = &cobra.Command{
	Use:     "inspect <path>",
	Aliases: []string{"import"},
	Short:   "Validate a snapshot file and summarize its content",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := snapshot.LoadFile(args[0])
		if err != nil {
			return err
		}

		res, err := snapshot.Import(doc)
		if err != nil {
			return err
		}

		fmt.Printf("format version: %s\n", doc.FormatVersion)
		fmt.Printf("saved at:       %s\n", doc.SavedAt)
		fmt.Printf("sessions:       %d\n", len(res.Sessions))
		for _, s := range res.Sessions {
			active := ""
			if s.ID == res.ActiveSessionID {
				active = " (active)"
			}
			fmt.Printf("  %s [%s] %d messages%s\n", s.Name, s.Mode, len(s.Messages), active)
		}
		fmt.Printf("attachments:    %d\n", len(res.Attachments))
		for _, name := range res.SkippedAttachments {
			fmt.Printf("  skipped undecodable attachment %s\n", name)
		}
		if res.NeedsRecompute {
			fmt.Println("cache blob:     absent or unusable, recompute required")
		} else {
			fmt.Println("cache blob:     present")
		}
		return nil
	},
}

var snapshotConvertCmd = &cobra.Command{
	Use:     "convert <in> <out>",
	Aliases: []string{"export"},
	Short:   "Convert a snapshot between JSON and YAML",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := snapshot.LoadFile(args[0])
		if err != nil {
			return err
		}
		if _, err := snapshot.Import(doc); err != nil {
			return err
		}
		return snapshot.WriteFile(doc, args[1])
	},
}

func init() {
	SnapshotCmd.AddCommand(snapshotInspectCmd)
	SnapshotCmd.AddCommand(snapshotConvertCmd)
}
