package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"segid/cmd/segid/ui"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's issuance state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(ui.Bold("node " + status.NodeID))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("shard class", status.Role.String()),
				ui.KV("buffers", strconv.Itoa(status.BufferCount)),
				ui.KV("proxy buffers", strconv.Itoa(status.ProxyBufferCount)),
				ui.KV("online even", strconv.Itoa(status.OnlineEven)),
				ui.KV("online odd", strconv.Itoa(status.OnlineOdd)),
				ui.KV("failover mode", ui.Bool(status.FailoverMode)),
				ui.KV("refreshing", strconv.Itoa(status.Refresh.Refreshing)),
				ui.KV("stuck refreshes", strconv.Itoa(status.Refresh.TimedOut)),
			))

			lb := status.LoadBalance
			fmt.Println(ui.Bold("load"))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("even", strconv.FormatInt(lb.EvenLoad, 10)),
				ui.KV("odd", strconv.FormatInt(lb.OddLoad, 10)),
				ui.KV("balanced", ui.Bool(lb.Balanced)),
			))

			if status.ClockPhase != "" {
				phase := status.ClockPhase
				if phase == "healthy" {
					phase = ui.Success(phase)
				} else {
					phase = ui.Warn(phase)
				}
				fmt.Println(ui.Bold("clock"))
				fmt.Print(ui.KeyValues("  ", ui.KV("ntp phase", phase)))
			}

			if len(status.Refresh.Timeouts) > 0 {
				rows := make([][]string, 0, len(status.Refresh.Timeouts))
				for _, timeout := range status.Refresh.Timeouts {
					rows = append(rows, []string{timeout.Key, strconv.FormatInt(timeout.SinceMS, 10)})
				}
				fmt.Println(ui.WarnMsg("stuck refreshes"))
				fmt.Println(ui.Table([]string{"key", "held ms"}, rows))
			}
			return nil
		},
	}
}
