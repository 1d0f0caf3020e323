package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peril-lol/rshare/internal/version"
)

// LogSink receives human-readable status lines (connection events,
// forwarding errors, reconnect attempts) for an embedding UI. The agent
// itself never writes to the terminal.
type LogSink func(line string)

// Options configures a tunnel agent. RelayURL and LocalPort are required;
// everything else has working defaults.
type Options struct {
	RelayURL  string
	LocalPort int
	Domain    string
	ClientID  string

	RetryInterval     time.Duration
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration

	Logger *slog.Logger
	Sink   LogSink

	// OnRegistered is invoked with the public URL after each successful
	// registration handshake.
	OnRegistered func(url string)

	relayParsed *url.URL
}

func (o *Options) validate() error {
	if o.RelayURL == "" {
		return errors.New("relay url is required")
	}
	parsed, err := url.Parse(o.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return errors.New("relay url must use ws or wss scheme")
	}
	if parsed.Host == "" {
		return errors.New("relay url missing host")
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/tunnel"
	}
	o.relayParsed = parsed
	o.RelayURL = parsed.String()

	if o.LocalPort <= 0 || o.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d", o.LocalPort)
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 15 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

type agentState int

const (
	stateDisconnected agentState = iota
	stateConnecting
	stateRegistering
	stateActive
)

func (s agentState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateRegistering:
		return "registering"
	case stateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Agent maintains the control channel to the relay and bridges forwarded
// requests to the local service. Run blocks until the context is
// cancelled, reconnecting after every transport failure.
type Agent struct {
	opts   Options
	logger *slog.Logger
	state  agentState
}

func New(opts Options) (*Agent, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Agent{
		opts:   opts,
		logger: opts.Logger.With("component", "agent", "client", opts.ClientID),
	}, nil
}

func (a *Agent) ClientID() string { return a.opts.ClientID }

// Run drives the reconnect state machine: connect, register, serve, and on
// any transport failure wait out the retry interval before trying again.
// The wait is timer-based and interrupted by context cancellation.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.setState(stateConnecting)
		err := a.connectOnce(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.setState(stateDisconnected)
		if err != nil {
			a.logger.Warn("connection failed", "error", err)
			a.event("connection error: %v", err)
		} else {
			a.logger.Info("connection terminated")
			a.event("disconnected from relay")
		}
		a.event("reconnecting in %s", a.opts.RetryInterval)

		timer := time.NewTimer(a.opts.RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (a *Agent) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: false,
	}
	if a.opts.relayParsed.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: a.opts.relayParsed.Hostname(),
		}
	}

	header := http.Header{
		"User-Agent": {fmt.Sprintf("rshare-agent/%s", version.Version)},
	}

	conn, resp, err := dialer.DialContext(ctx, a.opts.RelayURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	a.event("connected to relay %s", a.opts.relayParsed.Host)
	return newSession(a, conn).run(ctx)
}

func (a *Agent) setState(s agentState) {
	if a.state == s {
		return
	}
	a.logger.Debug("state change", "from", a.state.String(), "to", s.String())
	a.state = s
}

func (a *Agent) event(format string, args ...any) {
	if a.opts.Sink == nil {
		return
	}
	a.opts.Sink(fmt.Sprintf(format, args...))
}
