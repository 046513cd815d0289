package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"segid"
	"segid/cmd/segid/ui"
)

func generateCmd() *cobra.Command {
	var (
		timeKey    string
		count      int
		step       int
		dbCount    int
		tableCount int
		forceRole  string
	)

	cmd := &cobra.Command{
		Use:   "generate <business-type>",
		Short: "Issue a batch of IDs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := segid.GenerateRequest{
				BusinessType:    args[0],
				TimeKey:         timeKey,
				Count:           count,
				CustomStepSize:  step,
				ShardDBCount:    dbCount,
				ShardTableCount: tableCount,
				IncludeRouting:  dbCount > 0,
			}
			if forceRole != "" {
				role, err := segid.ParseRole(forceRole)
				if err != nil {
					return err
				}
				req.ForceRole = &role
			}

			resp, err := client().Generate(cmd.Context(), req)
			if err != nil {
				return err
			}

			for _, id := range resp.IDs {
				fmt.Println(id)
			}
			pairs := []ui.Pair{
				ui.KV("business", resp.BusinessType),
				ui.KV("time key", resp.TimeKey),
				ui.KV("shard class", resp.Role.String()),
				ui.KV("node", resp.NodeID),
			}
			if resp.Routing != nil {
				pairs = append(pairs,
					ui.KV("db index", strconv.Itoa(resp.Routing.DBIndex)),
					ui.KV("table index", strconv.Itoa(resp.Routing.TableIndex)),
				)
			}
			fmt.Fprint(cmd.ErrOrStderr(), ui.KeyValues("  ", pairs...))
			return nil
		},
	}

	cmd.Flags().StringVar(&timeKey, "time-key", "", "Time key (yyyymmdd); defaults to today on the daemon")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Batch size")
	cmd.Flags().IntVar(&step, "step", 0, "Custom step size for the next segment refill")
	cmd.Flags().IntVar(&dbCount, "shard-dbs", 0, "Shard database count for routing hints")
	cmd.Flags().IntVar(&tableCount, "shard-tables", 0, "Shard table count for routing hints")
	cmd.Flags().StringVar(&forceRole, "force-shard-type", "", "Pin issuance to one shard class (even or odd)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the daemon health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Healthy(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("daemon is healthy"))
			return nil
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire <cutoff-time-key>",
		Short: "Delete segments with a dated time key older than the cutoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := client().CleanExpired(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("deleted %d expired segments", deleted))
			return nil
		},
	}
}
