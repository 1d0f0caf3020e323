package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

type relayOptions struct {
	relayPort       int
	baseDomain      string
	dispatchTimeout time.Duration
	idleTimeout     time.Duration
	queueSize       int
	requestIDMode   string
	configFile      string

	traceEnabled  bool
	traceExporter string
	traceEndpoint string
	traceInsecure bool

	controlListen string
	publicListen  string
}

// fileConfig is the optional YAML overlay for relay settings. Values apply
// only where the corresponding flag was not set explicitly.
type fileConfig struct {
	RelayPort       int           `yaml:"relay_port"`
	BaseDomain      string        `yaml:"base_domain"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	QueueSize       int           `yaml:"queue_size"`
	RequestIDMode   string        `yaml:"request_id_mode"`
}

func (o *relayOptions) applyFile(cfg *fileConfig, changed func(string) bool) {
	if cfg.RelayPort > 0 && !changed("port") {
		o.relayPort = cfg.RelayPort
	}
	if cfg.BaseDomain != "" && !changed("base-domain") {
		o.baseDomain = cfg.BaseDomain
	}
	if cfg.DispatchTimeout > 0 && !changed("dispatch-timeout") {
		o.dispatchTimeout = cfg.DispatchTimeout
	}
	if cfg.IdleTimeout > 0 && !changed("idle-timeout") {
		o.idleTimeout = cfg.IdleTimeout
	}
	if cfg.QueueSize > 0 && !changed("queue-size") {
		o.queueSize = cfg.QueueSize
	}
	if cfg.RequestIDMode != "" && !changed("request-id-mode") {
		o.requestIDMode = cfg.RequestIDMode
	}
}

func (o *relayOptions) validate() error {
	if o.relayPort <= 0 || o.relayPort > 65534 {
		return fmt.Errorf("invalid relay port %d", o.relayPort)
	}
	if o.baseDomain == "" {
		return errors.New("base domain must not be empty")
	}
	if o.dispatchTimeout <= 0 {
		return errors.New("dispatch timeout must be positive")
	}
	if o.queueSize <= 0 {
		return errors.New("queue size must be positive")
	}
	if _, err := o.requestIDGenerator(); err != nil {
		return err
	}
	o.controlListen = fmt.Sprintf(":%d", o.relayPort)
	o.publicListen = fmt.Sprintf(":%d", o.relayPort+1)
	return nil
}

func (o *relayOptions) requestIDGenerator() (func() string, error) {
	switch o.requestIDMode {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	default:
		return nil, fmt.Errorf("unsupported request id mode %q (use uuid or cuid)", o.requestIDMode)
	}
}
