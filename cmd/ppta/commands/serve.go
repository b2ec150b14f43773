package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/server"
	"github.com/54b3r/ppta-go/internal/tracing"
)

// NewServeCmd constructs the `ppta serve` command, which starts the HTTP API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the PPTA HTTP API server",
		Long: `Start the PPTA HTTP API server.

The server exposes chat, troubleshooting and document upload endpoints plus
the /api/health family and Prometheus metrics on /metrics. It refuses to start
when a mandatory setting is missing; every missing key is logged.

Required environment variables:
  PPTA_PORT, MODEL_PROVIDER, UPLOAD_MAX_BYTES, UPLOAD_ALLOWED_TYPES,
  RATE_LIMIT_WINDOW, RATE_LIMIT_MAX_REQUESTS,
  QDRANT_HOST, QDRANT_PORT, QDRANT_COLLECTION (unless VECTOR_STORE=memory)

Examples:
  ppta serve
  ppta serve --port 9090
  INGEST_WATCH_DIR=/srv/manuals ppta serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			settings, err := resolveSettings(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if cmd.Flags().Changed("host") {
				settings.Host = host
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}
			log.Info("serve starting",
				slog.String("addr", settings.Addr()),
				slog.String("env", settings.Env),
			)

			flush := tracing.Enable(log)
			defer flush()

			st, err := buildStack(ctx, settings, prometheus.DefaultRegisterer, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close(log)

			st.recoverStale(ctx, log)

			deps := server.Deps{
				Chat:    st.coordinator,
				Planner: st.planner,
				Ingest:  st.pipeline,
			}
			conv, err := st.conversation()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if conv != nil {
				deps.Conversation = conv
			}

			srv, err := server.New(deps, &server.Config{
				Host:            settings.Host,
				Port:            settings.Port,
				ChatTimeout:     settings.Chat.Timeout,
				Logger:          log,
				Pingers:         st.pingers(),
				RateLimit:       server.Limit{Window: settings.RateLimit.Window, MaxRequests: settings.RateLimit.MaxRequests},
				UploadRateLimit: server.Limit{Window: settings.UploadRateLimit.Window, MaxRequests: settings.UploadRateLimit.MaxRequests},
				APIKey:          settings.APIKey,
				Development:     !settings.Production(),
				Environment:     settings.Env,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}
			defer srv.Close()

			// The watcher submits synchronously, so once it has returned no
			// new document can start and drain may wait on the pipeline.
			watchCtx, stopWatch := context.WithCancel(ctx)
			watchDone := make(chan struct{})
			if dir := settings.Ingest.WatchDir; dir != "" {
				w := ingestion.NewWatcher(dir, st.pipeline, st.pipeline.Policy(), 0)
				go func() {
					defer close(watchDone)
					if err := w.Run(watchCtx); err != nil {
						log.Error("ingestion: watcher stopped", logging.Err(err))
					}
				}()
			} else {
				close(watchDone)
			}

			serveErr := srv.Start(ctx)
			stopWatch()
			<-watchDone
			st.drain(ctx)
			return serveErr
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (overrides PPTA_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (overrides PPTA_PORT)")

	return cmd
}
