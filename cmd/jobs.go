package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetjobs/app"
)

var manualOverride bool

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Rank candidate clusters without writing anything",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		return svc.SuggestClusters(ctx)
	}),
}

var approveCmd = &cobra.Command{
	Use:   "approve <cluster-id> <job-ref>...",
	Short: "Commit a cluster's membership",
	Args:  cobra.MinimumNArgs(2),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		return svc.ApproveCluster(ctx, args[0], args[1:])
	}),
}

var assignCmd = &cobra.Command{
	Use:   "assign <job-ref> [driver]",
	Short: "Assign a job to a driver, or to the best eligible driver",
	Args:  cobra.RangeArgs(1, 2),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		if len(args) == 1 {
			return svc.AutoAssign(ctx, args[0])
		}
		return svc.AssignDriverToJob(ctx, args[0], args[1], manualOverride)
	}),
}

var batchAssignCmd = &cobra.Command{
	Use:   "batch-assign <driver> <job-ref>...",
	Short: "Assign several jobs to one driver",
	Args:  cobra.MinimumNArgs(2),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		return svc.BatchAssignDriver(ctx, args[1:], args[0], manualOverride)
	}),
}

var unassignCmd = &cobra.Command{
	Use:   "unassign <job-ref>",
	Short: "Remove a job from its driver's queue",
	Args:  cobra.ExactArgs(1),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		return svc.UnassignJob(ctx, args[0])
	}),
}

var completeCmd = &cobra.Command{
	Use:   "complete <job-ref> <driver>",
	Short: "Mark a job completed and promote the driver's next job",
	Args:  cobra.ExactArgs(2),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		return svc.CompleteJob(ctx, args[0], args[1])
	}),
}

var sequenceCmd = &cobra.Command{
	Use:   "sequence [driver]",
	Short: "Renumber one driver's queue, or every queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		if len(args) == 1 {
			return svc.RecomputeDriver(ctx, args[0])
		}
		return svc.EnforceSequencing(ctx)
	}),
}

var redistributeCmd = &cobra.Command{
	Use:   "redistribute",
	Short: "Move jobs towards idle drivers",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		return svc.RedistributeJobs(ctx)
	}),
}

var assignIDsCmd = &cobra.Command{
	Use:   "assign-ids",
	Short: "Fill missing job ids, order numbers and cluster ids",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		return svc.AutoAssignIDs(ctx)
	}),
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run one full pipeline pass",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		return svc.RunPipeline(ctx, "cli")
	}),
}

func init() {
	assignCmd.Flags().BoolVar(&manualOverride, "override", false, "bypass the radius and availability checks")
	batchAssignCmd.Flags().BoolVar(&manualOverride, "override", false, "bypass the radius and availability checks")
	rootCmd.AddCommand(suggestCmd, approveCmd, assignCmd, batchAssignCmd, unassignCmd, completeCmd,
		sequenceCmd, redistributeCmd, assignIDsCmd, pipelineCmd)
}
