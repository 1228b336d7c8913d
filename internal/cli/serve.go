package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long: `Start a JSON API on the configured address (serve.addr) exposing pipeline
state, journaled history, a server-sent event stream per pipeline and
Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, appOpts{journal: true})
		if err != nil {
			return err
		}
		defer a.close()

		addr := a.cfg.Serve.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		opts := web.Options{
			Addr:    addr,
			Store:   a.store,
			Metrics: a.metrics,
			Logger:  a.log.Named("web"),
		}
		if a.journal != nil {
			opts.History = a.journal
		}
		srv, err := web.NewServer(opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides serve.addr)")
}
