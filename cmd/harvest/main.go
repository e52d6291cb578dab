// Command harvest collects profile records from a paginated directory at a
// human pace, resuming interrupted runs and never fetching a profile twice.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvest/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitBlocked   = 3
	exitCancelled = 130
)

// app carries state shared by all commands of one invocation.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:   "harvest",
		Short: "Paced, resumable profile harvesting",
		Long: `harvest - paced, resumable profile harvesting.

Walks the search pages for a location, then fetches each new profile in
randomized batches with human-scale pauses. Interrupted runs resume from
their checkpoint; fetched profiles are remembered across runs.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (HARVEST_* prefix, e.g. HARVEST_REDIS_ADDR)
3. Config file (--config)
4. Default values

Examples:
  harvest run --location "San Diego, CA" --limit 25
  harvest run --location 92101 --preset conservative --output agents.jsonl
  harvest history count
  harvest checkpoint list
  harvest cooldown status`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg

			level, _ := logging.ParseLevel(cfg.Log.Level)
			logCfg := logging.DefaultConfig()
			logCfg.Level = level
			logCfg.Pretty = cfg.Log.Pretty
			logCfg.Output = cmd.ErrOrStderr()
			logging.Setup(logCfg)
			a.logger = logging.NewLogger("cli")
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (yaml, toml or json)")
	flags.String("data-dir", "", "state directory for the file backend")
	flags.String("backend", "", "persistence backend: file or redis")
	flags.String("redis-addr", "", "Redis address")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("pretty", false, "human-readable log output")
	bindFlags(a.v, flags, map[string]string{
		"data_dir":   "data-dir",
		"backend":    "backend",
		"redis.addr": "redis-addr",
		"log.level":  "log-level",
		"log.pretty": "pretty",
	})

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newCheckpointCmd(a))
	root.AddCommand(newCooldownCmd(a))
	root.AddCommand(newCacheCmd(a))
	return root
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, scheduler.ErrCancelled), errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, scheduler.ErrBlocked), errors.Is(err, ratelimit.ErrCooldownActive):
		return exitBlocked
	default:
		return exitError
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
