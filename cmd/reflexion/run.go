package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/reflexion/internal/app"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/render"
	"github.com/codefionn/reflexion/internal/step"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		preset   string
		maxSteps int
		persist  bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "run <task...>",
		Short: "Run a task through the reflexion loop",
		Long: `Run a single task. The task is the joined arguments, or stdin when the
only argument is "-". The exit status is non-zero unless the run succeeds.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := taskArg(cmd, args)
			if err != nil {
				return err
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if preset != "" {
				p, err := orchestrator.Preset(preset)
				if err != nil {
					return err
				}
				p.EnablePersistence = cfg.Orchestrator.EnablePersistence
				p.MaxHistory = cfg.Orchestrator.MaxHistory
				cfg.Orchestrator = p
			}
			if maxSteps > 0 {
				cfg.Orchestrator.MaxSteps = maxSteps
			}
			if cmd.Flags().Changed("persist") {
				cfg.Orchestrator.EnablePersistence = persist
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, runErr := a.Run(ctx, task)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			} else {
				render.New(cmd.OutOrStdout()).Summary(summary)
			}
			if runErr != nil {
				return runErr
			}
			if summary.Status != step.RunSucceeded {
				return fmt.Errorf("run %s: %s", summary.Status, summary.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "Configuration preset (default, conservative, aggressive)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Override orchestrator.max_steps")
	cmd.Flags().BoolVar(&persist, "persist", false, "Store the run and its reflections")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run summary as JSON")
	return cmd
}

func newCollabCmd(g *globalFlags) *cobra.Command {
	var (
		iterations int
		threshold  float64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "collab <task...>",
		Short: "Solve a task with planner, executor and critic rounds",
		Long: `Run the planner, executor and critic in rounds until the critic's score
reaches the quality threshold or the iterations are used up. The best
scored round's output is the answer.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := taskArg(cmd, args)
			if err != nil {
				return err
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Collaborate(ctx, task, iterations, threshold)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			render.New(cmd.OutOrStdout()).Collaboration(res)
			if res.Status != step.RunSucceeded {
				return fmt.Errorf("collaboration %s: %s", res.Status, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Maximum rounds (default collab.max_iterations)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Quality threshold in [0,1] (default collab.quality_threshold)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
