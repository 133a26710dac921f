package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/reflexion/internal/app"
	"github.com/codefionn/reflexion/internal/config"
	"github.com/codefionn/reflexion/internal/logger"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		host  string
		port  int
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, OpenAI-compatible and websocket API",
		Long: `Start the HTTP server. Runs are submitted with POST /v1/runs, live events
are streamed on /v1/stream and /metrics exposes Prometheus metrics.

With --watch the log level and run defaults follow changes to the
configuration file without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := a.Server()
			if err != nil {
				return err
			}

			if watch {
				path := g.path()
				if _, statErr := os.Stat(path); statErr != nil {
					logger.Warn("Not watching %s: %v", path, statErr)
				} else {
					go func() {
						if err := config.Watch(ctx, path, func(next *config.Config) {
							if g.logLevel != "" {
								next.Log.Level = g.logLevel
							}
							a.ApplyConfig(next, srv)
						}); err != nil {
							logger.Warn("Config watcher stopped: %v", err)
						}
					}()
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Override server.host")
	cmd.Flags().IntVar(&port, "port", 0, "Override server.port")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the configuration file on change")
	return cmd
}
