package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openrev/workcopy/internal/repo"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/workspace"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var url string
	var reposURL string
	var uuid string
	var revision int64
	var repoDir string

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty working copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			root, err := workingCopyRoot(cmd)
			if err != nil {
				return err
			}

			if repoDir != "" {
				r, err := repo.Open(repoDir)
				if err != nil {
					return err
				}
				url = r.URL()
				reposURL = r.URL()
				uuid = r.UUID()
			}
			if url == "" {
				return fmt.Errorf("either --url or --repo is required")
			}
			if reposURL == "" {
				reposURL = url
			}

			ws, err := workspace.New(root)
			if err != nil {
				return err
			}
			if ws.Exists() {
				return fmt.Errorf("%q is already a working copy", root)
			}
			if err := ws.Init(); err != nil {
				return err
			}

			st := store.NewStore(ws.DBPath())
			if err := st.Open(); err != nil {
				return err
			}
			defer st.Close()

			err = st.WriteNode(&store.WorkingNode{
				Path:     "",
				Kind:     store.KindDir,
				Schedule: store.ScheduleNormal,
				Revision: revision,
				URL:      url,
				ReposURL: reposURL,
				UUID:     uuid,
			})
			if err != nil {
				return err
			}

			slog.Info("working copy created", "root", root, "url", url, "revision", revision)
			return nil
		},
	}

	initCmd.Flags().StringVar(&url, "url", "", "URL this working copy tracks")
	initCmd.Flags().StringVar(&reposURL, "repos-url", "", "repository root URL")
	initCmd.Flags().StringVar(&uuid, "uuid", "", "repository UUID")
	initCmd.Flags().Int64Var(&revision, "revision", 0, "initial base revision")
	initCmd.Flags().StringVar(&repoDir, "repo", "", "local repository to derive identity from")

	return initCmd
}
