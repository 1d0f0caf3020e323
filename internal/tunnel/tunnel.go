// Package tunnel exposes a local service to the public internet behind a
// single capability contract: start a tunnel, receive its public URL and a
// handle, stop it. Strategies implement the contract either with the
// built-in relay agent or by wrapping a third-party tunnel binary.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peril-lol/rshare/internal/agent"
)

// Options describes the tunnel to establish. RelayURL is only used by the
// relay strategy; Domain and ClientID are optional.
type Options struct {
	LocalPort int
	Domain    string
	RelayURL  string
	ClientID  string

	Logger *slog.Logger
	Sink   agent.LogSink
}

// Tunnel is a running tunnel handle. URL is the public address; Stop tears
// the tunnel down and is safe to call more than once.
type Tunnel struct {
	URL string

	stopOnce sync.Once
	stop     func()
}

func (t *Tunnel) Stop() {
	t.stopOnce.Do(t.stop)
}

// Strategy creates tunnels. Start blocks until the tunnel is reachable (a
// public URL is known) or the attempt failed.
type Strategy interface {
	Name() string
	Start(ctx context.Context, opts Options) (*Tunnel, error)
}

// ForName resolves a strategy by its user-facing name.
func ForName(name string) (Strategy, error) {
	switch name {
	case "", "relay":
		return NewRelayStrategy(), nil
	case "ngrok":
		return Ngrok(), nil
	case "cloudflared":
		return Cloudflared(), nil
	default:
		return nil, fmt.Errorf("unknown tunnel strategy %q", name)
	}
}

const startTimeout = 15 * time.Second

// relayStrategy runs the built-in tunnel agent and reports the URL from
// its first successful registration. The agent keeps reconnecting in the
// background until the handle is stopped.
type relayStrategy struct{}

func NewRelayStrategy() Strategy { return relayStrategy{} }

func (relayStrategy) Name() string { return "relay" }

func (relayStrategy) Start(ctx context.Context, opts Options) (*Tunnel, error) {
	urlCh := make(chan string, 1)
	a, err := agent.New(agent.Options{
		RelayURL:  opts.RelayURL,
		LocalPort: opts.LocalPort,
		Domain:    opts.Domain,
		ClientID:  opts.ClientID,
		Logger:    opts.Logger,
		Sink:      opts.Sink,
		OnRegistered: func(url string) {
			select {
			case urlCh <- url:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(runCtx)
	}()

	select {
	case url := <-urlCh:
		return &Tunnel{URL: url, stop: cancel}, nil
	case err := <-done:
		cancel()
		if err == nil {
			err = errors.New("agent stopped before registering")
		}
		return nil, err
	case <-time.After(startTimeout):
		cancel()
		return nil, fmt.Errorf("tunnel not registered within %s", startTimeout)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}
