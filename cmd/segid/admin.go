package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"segid"
	"segid/cmd/segid/ui"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operational commands",
	}
	cmd.AddCommand(stepSizeCmd())
	cmd.AddCommand(recoverRefreshCmd())
	cmd.AddCommand(resolveConflictsCmd())
	cmd.AddCommand(proxyCmd())
	return cmd
}

func stepSizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step-size",
		Short: "Inspect and change segment step sizes",
	}

	var (
		timeKey string
		preview bool
	)
	change := &cobra.Command{
		Use:   "change <business-type> <new-step>",
		Short: "Change the step size of a business type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			newStep, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid step %q", args[1])
			}
			report, err := client().ChangeStep(cmd.Context(), args[0], timeKey, newStep, preview)
			if err != nil {
				return err
			}
			printStepChange(report)
			return nil
		},
	}
	change.Flags().StringVar(&timeKey, "time-key", "", "Restrict the change to one time key")
	change.Flags().BoolVar(&preview, "preview", false, "Report what would change without writing")

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the step-size distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().StepSizes(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(ui.InfoMsg("default step size %d", report.DefaultStep))
			rows := make([][]string, 0, len(report.Businesses))
			for _, business := range report.Businesses {
				steps := make([]int, 0, len(business.StepSizes))
				for step := range business.StepSizes {
					steps = append(steps, step)
				}
				sort.Ints(steps)
				var dist string
				for i, step := range steps {
					if i > 0 {
						dist += ", "
					}
					dist += fmt.Sprintf("%d×%d", business.StepSizes[step], step)
				}
				rows = append(rows, []string{business.BusinessType, strconv.Itoa(business.SegmentCount), dist})
			}
			fmt.Println(ui.Table([]string{"business", "segments", "steps"}, rows))
			return nil
		},
	}

	forceSync := &cobra.Command{
		Use:   "force-sync <new-step>",
		Short: "Apply one step size to every business type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newStep, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step %q", args[0])
			}
			report, err := client().ForceGlobalSync(cmd.Context(), newStep)
			if err != nil {
				return err
			}
			printStepChange(report)
			return nil
		},
	}

	consistency := &cobra.Command{
		Use:   "check [business-type]",
		Short: "Check step-size consistency",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				report, err := client().CheckConsistency(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printConsistency(*report)
				return nil
			}
			report, err := client().CheckGlobalConsistency(cmd.Context())
			if err != nil {
				return err
			}
			for _, business := range report.Businesses {
				printConsistency(business)
			}
			fmt.Println(ui.InfoMsg("%d consistent, %d inconsistent", report.Consistent, report.Inconsistent))
			return nil
		},
	}

	cmd.AddCommand(change, current, forceSync, consistency)
	return cmd
}

func printStepChange(report *segid.StepChangeReport) {
	verb := "changed"
	if report.Preview {
		verb = "would change"
	}
	fmt.Println(ui.SuccessMsg("%s %d of %d segments to step %d (%d skipped)",
		verb, report.Changed, report.Total, report.NewStep, report.Skipped))
	if len(report.Segments) == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Segments))
	for _, seg := range report.Segments {
		rows = append(rows, []string{
			seg.BusinessType, seg.TimeKey, seg.Role.String(),
			strconv.Itoa(seg.CurrentStep), strconv.Itoa(seg.NewStep),
			strconv.FormatBool(seg.Changed),
		})
	}
	fmt.Println(ui.Table([]string{"business", "time key", "class", "step", "new step", "changed"}, rows))
}

func printConsistency(report segid.ConsistencyReport) {
	if report.Consistent {
		fmt.Println(ui.SuccessMsg("%s: %d segments, consistent", report.BusinessType, report.SegmentCount))
		return
	}
	fmt.Println(ui.WarnMsg("%s: %d segments, mixed step sizes %v",
		report.BusinessType, report.SegmentCount, report.StepSizes))
}

func recoverRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-refresh",
		Short: "Force-clear stuck segment refresh flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().RecoverRefresh(cmd.Context())
			if err != nil {
				return err
			}
			if report.Recovered == 0 {
				fmt.Println(ui.InfoMsg("no stuck refreshes"))
				return nil
			}
			fmt.Println(ui.SuccessMsg("recovered %d buffers", report.Recovered))
			for _, key := range report.Keys {
				fmt.Println("  " + ui.Muted(key))
			}
			return nil
		},
	}
}

func resolveConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-conflicts",
		Short: "Rewrite segment rows that violate interval ownership",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().ResolveConflicts(cmd.Context())
			if err != nil {
				return err
			}
			if report.Resolved == 0 {
				fmt.Println(ui.InfoMsg("no conflicting segments"))
				return nil
			}
			fmt.Println(ui.SuccessMsg("resolved %d segments", report.Resolved))
			for _, seg := range report.Segments {
				fmt.Println("  " + ui.Muted(seg))
			}
			return nil
		},
	}
}

func proxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Inspect and drop peer take-over state",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show proxied intervals held for the peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().ProxyStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("failover mode", ui.Bool(report.FailoverMode)),
				ui.KV("proxy buffers", strconv.Itoa(report.ProxyCount)),
				ui.KV("abandonable ids", strconv.FormatInt(report.AbandonableIDs, 10)),
			))
			if len(report.Proxies) > 0 {
				rows := make([][]string, 0, len(report.Proxies))
				for _, proxy := range report.Proxies {
					rows = append(rows, []string{
						proxy.Key, proxy.Role.String(),
						strconv.FormatInt(proxy.Cursor, 10),
						strconv.FormatInt(proxy.End, 10),
						strconv.FormatInt(proxy.Abandonable, 10),
					})
				}
				fmt.Println(ui.Table([]string{"key", "class", "cursor", "end", "abandonable"}, rows))
			}
			return nil
		},
	}

	abandon := &cobra.Command{
		Use:   "abandon",
		Short: "Drop proxied intervals after the peer returns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().AbandonProxies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("abandoned %d proxy buffers (%d unissued ids), invalidated %d own buffers",
				report.Abandoned, report.AbandonedIDs, report.InvalidatedOwn))
			return nil
		},
	}

	cmd.AddCommand(status, abandon)
	return cmd
}
