package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
	"github.com/openrev/workcopy/internal/workspace"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var all bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of versioned paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			root, err := workingCopyRoot(cmd)
			if err != nil {
				return err
			}

			ws, err := workspace.New(root)
			if err != nil {
				return err
			}
			if !ws.Exists() {
				return workspace.ErrNotWorkcopy
			}

			st := store.NewStore(ws.DBPath())
			if err := st.Open(); err != nil {
				return err
			}
			defer st.Close()

			nodes, err := st.NodesUnder("")
			if err != nil {
				return err
			}

			for _, n := range nodes {
				code, err := statusCode(ws, st, n)
				if err != nil {
					return err
				}
				if code == "  " && !all {
					continue
				}
				fmt.Fprintf(os.Stdout, "%s %8d  %s\n", code, n.Revision, displayPath(n.Path))
			}
			return nil
		},
	}

	statusCmd.Flags().BoolVarP(&all, "all", "a", false, "include unmodified paths")
	return statusCmd
}

// statusCode renders a two-character state: local schedule or text state
// first, conflict marker second.
func statusCode(ws *workspace.Workspace, st *store.Store, n *store.WorkingNode) (string, error) {
	first := " "
	switch {
	case n.Absent:
		first = "!"
	case n.Incomplete:
		first = "!"
	case n.Schedule == store.ScheduleAdd:
		first = "A"
	case n.Schedule == store.ScheduleDelete:
		first = "D"
	case n.Schedule == store.ScheduleReplace:
		first = "R"
	case n.Kind == store.KindFile && n.Checksum != "":
		abs := ws.AbsPath(n.Path)
		if !utils.FileExists(abs) {
			first = "!"
		} else {
			hash, err := utils.FileHash(abs)
			if err != nil {
				return "", err
			}
			if hash != n.Checksum {
				first = "M"
			}
		}
	}
	if first == " " && n.HasPropMods() {
		first = "M"
	}

	second := " "
	conflict, err := st.ReadConflict(n.Path)
	if err != nil {
		return "", err
	}
	if conflict != nil {
		second = "C"
	}
	return first + second, nil
}
