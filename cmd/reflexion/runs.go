package main

import (
	"github.com/spf13/cobra"

	"github.com/codefionn/reflexion/internal/app"
	"github.com/codefionn/reflexion/internal/render"
)

func newRunsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse persisted runs",
	}

	var (
		limit  int
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			db, err := app.OpenStore(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.ListRuns(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			render.New(cmd.OutOrStdout()).Runs(runs)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Show at most this many runs, 0 for all")
	list.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with all its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			db, err := app.OpenStore(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			summary, err := db.GetRun(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			render.New(cmd.OutOrStdout()).Summary(summary)
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	cmd.AddCommand(list, show)
	return cmd
}
