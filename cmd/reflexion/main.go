// Command reflexion runs tasks through the act, observe and reflect loop,
// either once from the command line or behind an HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/reflexion/internal/config"
	"github.com/codefionn/reflexion/internal/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "reflexion",
		Short: "Tool-using agent loop with self-reflection",
		Long: `reflexion drives a language model through a DECIDE, EXECUTE, RECORD,
REFLECT and GUARD loop. Failed tool calls are critiqued, the critique is
cached by error pattern and fed back into the next decision.

Examples:
  # Run a task once
  reflexion run "What is 25 + 18?"

  # Plan, execute and review in rounds
  reflexion collab --iterations 3 "Summarize the API"

  # Serve the HTTP and websocket API
  reflexion serve --port 8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Configuration file (default "+config.GetConfigPath()+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level (debug, info, warn, error, none)")

	root.AddCommand(
		newRunCmd(g),
		newCollabCmd(g),
		newServeCmd(g),
		newCacheCmd(g),
		newRunsCmd(g),
		newConfigCmd(g),
	)
	return root
}

func (g *globalFlags) path() string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.GetConfigPath()
}

// load reads the configuration and installs the global logger.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.path())
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	l, err := logger.NewWithFormat(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path, "", cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(l)
	return cfg, nil
}

// taskArg joins the arguments into the task. A single "-" reads stdin.
func taskArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read task from stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
