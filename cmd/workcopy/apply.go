package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openrev/workcopy/internal/edit"
	"github.com/openrev/workcopy/internal/repo"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/update"
	"github.com/openrev/workcopy/internal/wclog"
	"github.com/openrev/workcopy/internal/workspace"
)

func init() {
	rootCmd.AddCommand(newApplyCmd())
}

func newApplyCmd() *cobra.Command {
	var target string
	var repoDir string

	applyCmd := &cobra.Command{
		Use:   "apply <script.yaml>",
		Short: "Apply an edit script to the working copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

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
			if err := ws.Lock(); err != nil {
				return err
			}
			defer ws.Unlock()

			st := store.NewStore(ws.DBPath())
			if err := st.Open(); err != nil {
				return err
			}
			defer st.Close()

			// A previous run may have died between flushing a directory
			// log and executing it.
			if err := wclog.Replay(ctx, ws, st); err != nil {
				return fmt.Errorf("replay pending logs: %w", err)
			}

			var fetcher repo.Fetcher
			if repoDir != "" {
				r, err := repo.Open(repoDir)
				if err != nil {
					return err
				}
				fetcher = r
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			script, err := edit.Parse(data)
			if err != nil {
				return err
			}

			ed, err := update.NewEditor(update.Config{
				Workspace: ws,
				Store:     st,
				Fetcher:   fetcher,
				Notify:    printNotification,
				Target:    target,
				Options: update.Options{
					AllowObstructions: viper.GetBool("allow_obstructions"),
					PreservedExts:     viper.GetStringSlice("preserved_exts"),
				},
			})
			if err != nil {
				return err
			}

			if err := edit.Apply(ctx, ed, script); err != nil {
				return err
			}

			slog.Info("working copy updated", "revision", ed.TargetRevision())
			fmt.Printf("Updated to revision %d.\n", ed.TargetRevision())
			return nil
		},
	}

	applyCmd.Flags().StringVarP(&target, "target", "t", "", "update only this child of the root")
	applyCmd.Flags().StringVarP(&repoDir, "repo", "r", "", "local repository for copy-source fetches")

	return applyCmd
}
