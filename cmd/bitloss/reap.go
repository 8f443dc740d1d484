package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitloss-labs/bitloss/internal/events"
	"github.com/bitloss-labs/bitloss/internal/reaper"
)

func newReapCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Archive destroyed artifacts",
		Long: "Settles rewards for destroyed artifacts, deletes their secrets, comments and " +
			"active copies, and moves them to the archive. Runs until interrupted unless --once is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			r := reaper.New(reaper.Deps{
				Store:   d.store,
				Objects: d.objects,
				Ledger:  d.ledger,
				Events:  events.Discard{},
				Rules:   d.rules,
				Log:     d.logger.WithComponent("reaper"),
			})

			if !once {
				return ignoreCanceled(r.Run(ctx))
			}
			res, err := r.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, archived %d, failed %d in %s\n",
				res.Scanned, res.Archived, res.Failed, res.Duration)
			if res.Failed > 0 {
				return fmt.Errorf("%d artifacts could not be archived", res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep and exit")

	return cmd
}
