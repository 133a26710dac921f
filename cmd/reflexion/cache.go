package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/codefionn/reflexion/internal/app"
	"github.com/codefionn/reflexion/internal/config"
	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/render"
	"github.com/codefionn/reflexion/internal/store"
)

// openCache loads the persisted reflection cache without building any model
// client, so cache maintenance works without API keys.
func openCache(cfg *config.Config) (*reflection.Cache, *store.Database, error) {
	db, err := app.OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	cache := reflection.NewCache(
		reflection.WithPersister(db),
		reflection.WithLogger(logger.Global().WithPrefix("reflection")),
	)
	if _, err := cache.Load(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load reflection cache: %w", err)
	}
	return cache, db, nil
}

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the persisted reflection cache",
	}

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show entry count and hit statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cache, db, err := openCache(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), cache.Statistics())
			}
			render.New(cmd.OutOrStdout()).CacheStats(cache.Statistics())
			return nil
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	var (
		kind   string
		byHits bool
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached reflections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cache, db, err := openCache(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			entries := filterEntries(cache.Entries(), kind, byHits, limit)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			render.New(cmd.OutOrStdout()).Entries(entries)
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "Only entries of this error kind")
	list.Flags().BoolVar(&byHits, "by-hits", false, "Sort by hit count, most used first")
	list.Flags().IntVar(&limit, "limit", 0, "Show at most this many entries")
	list.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	var (
		minUses        int
		minSuccessRate float64
	)
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove reflections that keep failing",
		Long: `Remove entries used at least --min-uses times whose success rate is
below --min-success-rate. Defaults come from the reflection section of the
configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("min-uses") {
				cfg.Reflection.MinUses = minUses
			}
			if cmd.Flags().Changed("min-success-rate") {
				cfg.Reflection.MinSuccessRate = minSuccessRate
			}
			cache, db, err := openCache(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			removed := cache.Cleanup(cfg.Reflection.MinUses, cfg.Reflection.MinSuccessRate)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d reflections, %d left\n", removed, cache.Len())
			return nil
		},
	}
	clean.Flags().IntVar(&minUses, "min-uses", 0, "Minimum uses before an entry may be removed")
	clean.Flags().Float64Var(&minSuccessRate, "min-success-rate", 0, "Entries below this success rate are removed")

	cmd.AddCommand(stats, list, clean)
	return cmd
}

func filterEntries(entries []reflection.Entry, kind string, byHits bool, limit int) []reflection.Entry {
	if kind != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if byHits {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Hits > entries[j].Hits })
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
