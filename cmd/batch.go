package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetjobs/app"
	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/core/runlog"
	"github.com/kilianp07/fleetjobs/infra/sheet"
	"github.com/kilianp07/fleetjobs/pkg/export"
)

var (
	batchName     string
	batchClusters []string
	batchJobs     []string
	openOnly      bool
	exportFormat  string
	exportOut     string
	exportIDs     []string
	runsQuery     runlog.Query
	runsStart     string
	runsEnd       string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage batch plans",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Group clusters and jobs into a named plan",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		return svc.CreateBatchPlan(ctx, batchName, batchClusters, batchJobs)
	}),
}

var batchCloseCmd = &cobra.Command{
	Use:   "close <batch-id>",
	Short: "Close a plan and release its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		return svc.CloseBatch(ctx, args[0])
	}),
}

var batchListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List batch plans",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		return svc.ListBatches(ctx, openOnly)
	}),
}

var batchShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a plan with its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		return svc.GetBatch(ctx, args[0])
	}),
}

var importCmd = &cobra.Command{
	Use:   "import <workbook.xlsx>",
	Short: "Upsert jobs and drivers from a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: runWithService(func(ctx context.Context, svc *app.Service, args []string) (any, error) {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return svc.Import(ctx, f)
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write batch plans as json, csv or xlsx",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		write, err := exportWriter(exportFormat)
		if err != nil {
			return err
		}
		return runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
			plans, err := svc.ExportPlans(ctx, exportIDs, openOnly)
			if err != nil {
				return nil, err
			}
			var w io.Writer = cmd.OutOrStdout()
			if exportOut != "" && exportOut != "-" {
				f, err := os.Create(exportOut)
				if err != nil {
					return nil, err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return nil, write(w, plans)
		})(cmd, args)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Query the run log",
	Args:  cobra.NoArgs,
	RunE: runWithService(func(ctx context.Context, svc *app.Service, _ []string) (any, error) {
		q := runsQuery
		var err error
		if q.Start, err = parseFlagTime(runsStart); err != nil {
			return nil, fmt.Errorf("--start: %w", err)
		}
		if q.End, err = parseFlagTime(runsEnd); err != nil {
			return nil, fmt.Errorf("--end: %w", err)
		}
		return svc.QueryRuns(ctx, q)
	}),
}

func exportWriter(format string) (func(io.Writer, []batch.Plan) error, error) {
	switch strings.ToLower(format) {
	case "json":
		return export.WriteJSON, nil
	case "csv":
		return export.WriteCSV, nil
	case "xlsx":
		return sheet.WriteBatches, nil
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func init() {
	batchCreateCmd.Flags().StringVar(&batchName, "name", "", "plan name")
	batchCreateCmd.Flags().StringSliceVar(&batchClusters, "cluster", nil, "cluster id to include (repeatable)")
	batchCreateCmd.Flags().StringSliceVar(&batchJobs, "job", nil, "job ref to include (repeatable)")
	batchListCmd.Flags().BoolVar(&openOnly, "open", false, "only open plans")
	batchCmd.AddCommand(batchCreateCmd, batchCloseCmd, batchListCmd, batchShowCmd)

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "json, csv or xlsx")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file, stdout when empty")
	exportCmd.Flags().StringSliceVar(&exportIDs, "id", nil, "batch id to export (repeatable), all when empty")
	exportCmd.Flags().BoolVar(&openOnly, "open", false, "only open plans")

	runsCmd.Flags().StringVar(&runsQuery.Kind, "kind", "", "pipeline, redistribute or batch_assign")
	runsCmd.Flags().StringVar(&runsQuery.Driver, "driver", "", "runs touching this driver")
	runsCmd.Flags().StringVar(&runsQuery.RunID, "run-id", "", "a single run")
	runsCmd.Flags().StringVar(&runsStart, "start", "", "RFC3339 lower bound")
	runsCmd.Flags().StringVar(&runsEnd, "end", "", "RFC3339 upper bound")

	rootCmd.AddCommand(batchCmd, importCmd, exportCmd, runsCmd)
}
