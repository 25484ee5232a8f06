package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/feedcache/internal/config"
)

func newRootCommand() *cobra.Command {
	cfg, loadErr := config.Load()

	cmd := &cobra.Command{
		Use:           "feedsim",
		Short:         "Simulate optimistic comment and like updates",
		Long:          "feedsim runs feedcache scenarios against an in-memory backend.\nSettings come from FEEDSIM_* environment variables; flags override them.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			return cfg.Validate()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&cfg.Provider, "provider", cfg.Provider, fmt.Sprintf("mirror provider %v", config.Providers))
	f.StringVar(&cfg.Codec, "codec", cfg.Codec, fmt.Sprintf("mirror codec %v", config.Codecs))
	f.StringVar(&cfg.Stale, "stale", cfg.Stale, fmt.Sprintf("stale set backend %v", config.Stales))
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address")
	f.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "key namespace")
	f.StringVar(&cfg.UserID, "user", cfg.UserID, "acting user id")
	f.DurationVar(&cfg.Latency, "latency", cfg.Latency, "simulated gateway latency")
	f.Float64Var(&cfg.FailRate, "fail-rate", cfg.FailRate, "probability that a gateway write fails")
	f.BoolVar(&cfg.GuardRestores, "guard", cfg.GuardRestores, "skip rollbacks superseded by newer writes")
	f.BoolVar(&cfg.Strict, "strict", cfg.Strict, "panic on cache invariant violations")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	f.StringVar(&cfg.LogBackend, "log-backend", cfg.LogBackend, fmt.Sprintf("engine logger %v", config.Backends))
	f.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "collect prometheus counters and print them at exit")

	cmd.AddCommand(newRunCommand(&cfg))
	cmd.AddCommand(newListCommand())
	return cmd
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scenarios (all by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := pick(only)
			if err != nil {
				return err
			}
			env, err := setup(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer env.close()
			return env.runAll(cmd.Context(), cmd.OutOrStdout(), selected)
		},
	}
	cmd.Flags().StringSliceVarP(&only, "scenario", "s", nil, "scenario names to run")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range scenarios {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", s.name, s.about)
			}
		},
	}
}

func pick(names []string) ([]scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}
	byName := make(map[string]scenario, len(scenarios))
	for _, s := range scenarios {
		byName[s.name] = s
	}
	out := make([]scenario, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			known := make([]string, 0, len(byName))
			for k := range byName {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown scenario %q: must be one of %v", n, known)
		}
		out = append(out, s)
	}
	return out, nil
}
