package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/cache"
	"github.com/Sternrassler/profile-harvest/pkg/checkpoint"
	"github.com/Sternrassler/profile-harvest/pkg/query"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the fetched-profile history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of profiles in the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			led, err := b.ledger(cmd.Context())
			if err != nil {
				return err
			}
			n, err := led.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every fetched profile",
		Long:  "Empty the history so every profile becomes eligible again. Checkpoints are not touched.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the history without --yes")
			}
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			led, err := b.ledger(cmd.Context())
			if err != nil {
				return err
			}
			if err := led.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing")
	cmd.AddCommand(clearCmd)

	return cmd
}

// signatureArgs resolves a checkpoint signature from an argument or from
// --location/--filter.
type signatureArgs struct {
	location string
	filters  map[string]string
}

func (s *signatureArgs) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.location, "location", "l", "", "query location instead of a signature")
	cmd.Flags().StringToStringVar(&s.filters, "filter", nil, "query filter as key=value")
}

func (s *signatureArgs) resolve(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	q := query.Query{Location: s.location, Filters: s.filters}
	if err := q.Validate(); err != nil {
		return "", fmt.Errorf("give a signature or --location: %w", err)
	}
	return q.Signature(), nil
}

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or delete saved run checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoint signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			store, err := b.checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			lister, ok := store.(checkpoint.Lister)
			if !ok {
				return fmt.Errorf("backend %s cannot list checkpoints", a.cfg.Backend)
			}
			sigs, err := lister.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, sig := range sigs {
				st, err := store.Load(cmd.Context(), sig)
				if err != nil || st == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(unreadable: %v)\n", sig, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\trun=%s\tcompleted=%d/%d\tremaining=%d\tupdated=%s\n",
					sig, st.RunID, st.Completed, st.Limit, len(st.Remaining), st.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	show := &signatureArgs{}
	showCmd := &cobra.Command{
		Use:   "show [signature]",
		Short: "Print a checkpoint as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := show.resolve(args)
			if err != nil {
				return err
			}
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			store, err := b.checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			st, err := store.Load(cmd.Context(), sig)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no checkpoint for %s", sig)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	show.register(showCmd)
	cmd.AddCommand(showCmd)

	del := &signatureArgs{}
	deleteCmd := &cobra.Command{
		Use:   "delete [signature]",
		Short: "Delete a checkpoint so the next run starts over",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := del.resolve(args)
			if err != nil {
				return err
			}
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			store, err := b.checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), sig); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted checkpoint %s\n", sig)
			return nil
		},
	}
	del.register(deleteCmd)
	cmd.AddCommand(deleteCmd)

	return cmd
}

func newCooldownCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Inspect or reset the block cooldown",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether a cooldown is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			tracker, err := b.cooldown(cmd.Context())
			if err != nil {
				return err
			}
			st, err := tracker.GetState(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			if !st.Active(now) {
				fmt.Fprintf(cmd.OutOrStdout(), "No cooldown active (consecutive blocks: %d)\n", st.Consecutive)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cooldown active for %s (until %s, consecutive blocks: %d)\n",
				st.Remaining(now).Round(time.Second), st.Until.Format(time.RFC3339), st.Consecutive)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear the cooldown state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			tracker, err := b.cooldown(cmd.Context())
			if err != nil {
				return err
			}
			if err := tracker.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cooldown reset")
			return nil
		},
	})

	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the search-page cache",
	}

	clr := &signatureArgs{}
	clearCmd := &cobra.Command{
		Use:   "clear [signature]",
		Short: "Drop cached search pages for one query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := clr.resolve(args)
			if err != nil {
				return err
			}
			b := newBackends(a.cfg, a.logger)
			defer b.Close()

			client, err := b.redisClient(cmd.Context())
			if err != nil {
				return err
			}
			n, err := cache.NewManager(client, cache.Config{TTL: a.cfg.Cache.TTL}).Clear(cmd.Context(), sig)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached pages for %s\n", n, sig)
			return nil
		},
	}
	clr.register(clearCmd)
	cmd.AddCommand(clearCmd)

	return cmd
}
