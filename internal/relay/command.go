package relay

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/peril-lol/rshare/internal/config"
	"github.com/peril-lol/rshare/internal/observability"
	"github.com/peril-lol/rshare/internal/runtime"
	"github.com/peril-lol/rshare/internal/util"
)

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := &relayOptions{
		relayPort:       config.EnvInt("RSHARE_RELAY_PORT", 8000),
		baseDomain:      config.EnvString("RSHARE_BASE_DOMAIN", DefaultBaseDomain),
		dispatchTimeout: config.EnvDuration("RSHARE_DISPATCH_TIMEOUT", DefaultDispatchTimeout),
		idleTimeout:     config.EnvDuration("RSHARE_IDLE_TIMEOUT", 60*time.Second),
		queueSize:       config.EnvInt("RSHARE_QUEUE_SIZE", DefaultQueueSize),
		requestIDMode:   config.EnvString("RSHARE_REQUEST_ID_MODE", "uuid"),
	}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay server exposing registered tunnel clients to public HTTP traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}

			if opts.configFile != "" {
				var fc fileConfig
				if err := config.LoadYAML(opts.configFile, &fc); err != nil {
					return err
				}
				opts.applyFile(&fc, cmd.Flags().Changed)
			}
			if err := opts.validate(); err != nil {
				return err
			}

			ctx, cancel := util.WithSignalContext(context.Background())
			defer cancel()

			logger := globals.Logger().With("component", "relay")

			shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:     opts.traceEnabled,
				Exporter:    opts.traceExporter,
				ServiceName: "rshare-relay",
				Endpoint:    opts.traceEndpoint,
				Insecure:    opts.traceInsecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				if err := shutdownTracing(shutdownCtx); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			server, err := newRelayServer(logger, opts)
			if err != nil {
				return err
			}
			return server.run(ctx)
		},
	}

	cmd.Flags().IntVarP(&opts.relayPort, "port", "P", opts.relayPort, "control channel port (public gateway binds port+1)")
	cmd.Flags().StringVar(&opts.baseDomain, "base-domain", opts.baseDomain, "public suffix for generated client subdomains")
	cmd.Flags().DurationVar(&opts.dispatchTimeout, "dispatch-timeout", opts.dispatchTimeout, "how long the gateway waits for a client response")
	cmd.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", opts.idleTimeout, "maximum idle time on a control channel before disconnect (0 disables)")
	cmd.Flags().IntVar(&opts.queueSize, "queue-size", opts.queueSize, "outbound frame queue capacity per client session")
	cmd.Flags().StringVar(&opts.requestIDMode, "request-id-mode", opts.requestIDMode, "request identifier generator (uuid or cuid)")
	cmd.Flags().StringVar(&opts.configFile, "config", "", "path to optional YAML config file")
	cmd.Flags().BoolVar(&opts.traceEnabled, "trace", config.EnvBool("RSHARE_TRACE", false), "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&opts.traceExporter, "trace-exporter", config.EnvString("RSHARE_TRACE_EXPORTER", "stdout"), "trace exporter (stdout, otlp-grpc, otlp-http)")
	cmd.Flags().StringVar(&opts.traceEndpoint, "trace-endpoint", "", "trace collector endpoint")
	cmd.Flags().BoolVar(&opts.traceInsecure, "trace-insecure", false, "disable TLS for the trace exporter")

	return cmd
}
