package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parkaudit/parkaudit/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API.

When verify.interval is set in the configuration, every lot is also
verified on that schedule and alerts are raised through the configured
webhooks. The server shuts down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		addr := a.cfg.HTTP.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(api.Deps{
			Store:    a.store,
			Recorder: a.recorder,
			Verifier: a.verifier,
			Doctor:   a.doctor,
			Metrics:  a.metrics,
			Logger:   a.log,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, addr)
		})
		if interval := a.cfg.Verify.Interval; interval > 0 {
			a.log.Info("scheduled verification enabled", map[string]any{"interval": interval.String()})
			g.Go(func() error {
				return a.verifier.Run(ctx, interval)
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http.addr)")
	rootCmd.AddCommand(serveCmd)
}

