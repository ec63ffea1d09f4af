// Package cmd implements the fleetjobs command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetjobs/app"
	"github.com/kilianp07/fleetjobs/config"
	"github.com/kilianp07/fleetjobs/infra/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "fleetjobs",
	Short:         "Fleet job clustering, assignment and batch planning",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newService loads the configuration and builds the service.
func newService(ctx context.Context) (*app.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return app.New(ctx, cfg, app.Options{})
}

// runWithService wraps a one-shot operation: it builds the service, runs fn
// and prints its result as indented JSON. Logs go to stderr so stdout only
// carries the result.
func runWithService(fn func(ctx context.Context, svc *app.Service, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger.SetOutput(os.Stderr)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := svc.Close(); err != nil {
				logger.New("main").Errorf("service close: %v", err)
			}
		}()
		out, err := fn(ctx, svc, args)
		if out != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if eerr := enc.Encode(out); eerr != nil && err == nil {
				err = eerr
			}
		}
		return err
	}
}
