package agent

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/peril-lol/rshare/internal/config"
	"github.com/peril-lol/rshare/internal/runtime"
	"github.com/peril-lol/rshare/internal/util"
)

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := Options{
		RelayURL:          config.EnvString("RSHARE_RELAY_URL", "ws://localhost:8000/tunnel"),
		LocalPort:         config.EnvInt("RSHARE_LOCAL_PORT", 8080),
		Domain:            config.EnvString("RSHARE_DOMAIN", ""),
		ClientID:          config.EnvString("RSHARE_CLIENT_ID", ""),
		RetryInterval:     config.EnvDuration("RSHARE_RETRY_INTERVAL", 5*time.Second),
		KeepAliveInterval: config.EnvDuration("RSHARE_KEEPALIVE_INTERVAL", 15*time.Second),
	}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Tunnel agent exposing a local service through the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			opts.Logger = globals.Logger()

			a, err := New(opts)
			if err != nil {
				return err
			}

			ctx, cancel := util.WithSignalContext(context.Background())
			defer cancel()

			err = a.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.RelayURL, "relay", opts.RelayURL, "relay control endpoint (ws://host:port/tunnel)")
	cmd.Flags().IntVarP(&opts.LocalPort, "port", "p", opts.LocalPort, "local service port to expose")
	cmd.Flags().StringVarP(&opts.Domain, "domain", "d", opts.Domain, "custom public hostname (defaults to a generated subdomain)")
	cmd.Flags().StringVar(&opts.ClientID, "id", opts.ClientID, "client identifier (defaults to a generated UUID)")
	cmd.Flags().DurationVar(&opts.RetryInterval, "retry-interval", opts.RetryInterval, "wait between reconnect attempts")
	cmd.Flags().DurationVar(&opts.KeepAliveInterval, "keepalive-interval", opts.KeepAliveInterval, "interval between keepalive frames")

	return cmd
}
