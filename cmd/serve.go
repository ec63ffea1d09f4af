package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetjobs/api"
	"github.com/kilianp07/fleetjobs/infra/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the scheduler and the event forwarders",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	logg := logger.New("main")
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()
	svc.Start(ctx)

	httpCfg := svc.Config().HTTP
	srv := &http.Server{
		Addr: httpCfg.Addr,
		Handler: api.NewRouter(svc, api.Config{
			Token:          httpCfg.Token,
			MaxUploadBytes: int64(httpCfg.MaxUploadMB) << 20,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(httpCfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(httpCfg.WriteTimeoutSeconds) * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logg.Infof("listening on %s", httpCfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logg.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
