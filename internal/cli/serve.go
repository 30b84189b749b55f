package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"council/internal/server"
)

func newServeCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve deliberations over HTTP",
		Long: `Starts an HTTP API on the configured address:

  POST /v1/deliberations       run one (Accept: text/event-stream to stream events)
  GET  /v1/deliberations       saved history
  GET  /v1/deliberations/{id}  one saved result
  GET  /v1/circuits            circuit breaker state
  GET  /v1/cache               cache counters
  GET  /v1/health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app
			addr := a.cfg.Server.Addr
			if s.v.IsSet("addr") {
				addr = s.v.GetString("addr")
			}

			opts := []server.Option{
				server.WithLogger(a.log),
				server.WithNotifier(a.notifier),
			}
			if a.cache != nil {
				opts = append(opts, server.WithCache(a.cache))
			}
			if st, err := a.openStore(); err == nil {
				defer st.Close()
				opts = append(opts, server.WithStore(st))
			} else {
				a.log.Warn("persistence disabled", "error", err.Error())
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := server.New(a.orch, a.cfg.Defaults.Normalize(), opts...)
			cmd.Printf("council listening on http://%s\n", addr)
			err := srv.ListenAndServe(ctx, addr)
			a.notifier.Wait(3 * time.Second)
			return err
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config server.addr)")
	_ = s.v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}
