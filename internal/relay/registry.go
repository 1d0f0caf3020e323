package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peril-lol/rshare/internal/protocol"
)

const (
	// DefaultBaseDomain is the public suffix under which auto-generated
	// per-client subdomains are issued.
	DefaultBaseDomain = "public.dev.peril.lol"

	// DefaultQueueSize bounds each session's outbound frame queue. A full
	// queue is a dispatch failure, not unbounded memory growth.
	DefaultQueueSize = 100
)

// RegistryConfig tunes a Registry. Zero values fall back to defaults.
type RegistryConfig struct {
	BaseDomain   string
	QueueSize    int
	NewRequestID func() string
	Metrics      *relayMetrics
}

// Registry is the process-wide store of active client sessions. It is an
// injected object, constructed once at startup and shared by the control
// listener and the public gateway; tests build their own isolated
// instances. The registry mutex guards only the session map; waiting on a
// response never holds it.
type Registry struct {
	logger       *slog.Logger
	metrics      *relayMetrics
	baseDomain   string
	queueSize    int
	newRequestID func() string

	mu       sync.Mutex
	sessions map[string]*ClientSession
}

func NewRegistry(logger *slog.Logger, cfg RegistryConfig) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDomain == "" {
		cfg.BaseDomain = DefaultBaseDomain
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.NewRequestID == nil {
		cfg.NewRequestID = uuid.NewString
	}
	return &Registry{
		logger:       logger.With("component", "registry"),
		metrics:      cfg.Metrics,
		baseDomain:   cfg.BaseDomain,
		queueSize:    cfg.QueueSize,
		newRequestID: cfg.NewRequestID,
		sessions:     make(map[string]*ClientSession),
	}
}

func (r *Registry) BaseDomain() string { return r.baseDomain }

// PublicURL computes the URL a registration is reachable under: the custom
// domain when one was requested, otherwise a generated subdomain of the
// base suffix.
func (r *Registry) PublicURL(clientID, domain string) string {
	if domain != "" {
		return "https://" + domain
	}
	return fmt.Sprintf("https://%s.%s", clientID, r.baseDomain)
}

// Register inserts a session for clientID and returns it together with its
// public URL. A prior session under the same id is evicted and its pending
// requests fail with ErrClientReplaced.
func (r *Registry) Register(clientID, domain, remote string) (*ClientSession, string, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, "", fmt.Errorf("register: empty client id")
	}

	s := &ClientSession{
		clientID:    clientID,
		domain:      domain,
		remote:      remote,
		connectedAt: time.Now(),
		outbound:    make(chan *protocol.Frame, r.queueSize),
		done:        make(chan struct{}),
		pending:     make(map[string]chan dispatchResult),
	}

	r.mu.Lock()
	prev := r.sessions[clientID]
	r.sessions[clientID] = s
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("session replaced", "client", clientID)
		prev.fail(ErrClientReplaced)
	}
	if r.metrics != nil {
		if prev == nil {
			r.metrics.clientsConnected.Inc()
		}
		r.metrics.registrationsTotal.Inc()
	}

	return s, r.PublicURL(clientID, domain), nil
}

// Lookup resolves a routing host to a session. Custom domains win over
// generated subdomains; within a class the first prefix match wins. The
// scan is linear because the active-client count is small relative to
// request volume.
func (r *Registry) Lookup(hostname string) *ClientSession {
	host := hostOnly(hostname)
	if host == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.domain != "" && strings.HasPrefix(host, s.domain) {
			return s
		}
	}
	for id, s := range r.sessions {
		if strings.HasPrefix(host, id+"."+r.baseDomain) {
			return s
		}
	}
	return nil
}

// Deregister removes the session and fails all of its pending requests
// with ErrClientDisconnected. It matches on the session itself, not just
// the id, so a replaced session's late teardown cannot evict its
// replacement.
func (r *Registry) Deregister(s *ClientSession) {
	if s == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.sessions[s.clientID]; ok && cur == s {
		delete(r.sessions, s.clientID)
		if r.metrics != nil {
			r.metrics.clientsConnected.Dec()
		}
	}
	r.mu.Unlock()
	s.fail(ErrClientDisconnected)
}

// Dispatch allocates a request id, registers a pending waiter, enqueues an
// http_request frame on the session's outbound queue and awaits the
// correlated response. The wait is bounded by ctx; on expiry the pending
// entry is reclaimed so a late response becomes a harmless no-op.
func (r *Registry) Dispatch(ctx context.Context, s *ClientSession, raw []byte) ([]byte, error) {
	requestID := r.newRequestID()
	waiter := make(chan dispatchResult, 1)

	s.mu.Lock()
	if s.closed {
		cause := s.closeErr
		s.mu.Unlock()
		return nil, cause
	}
	s.pending[requestID] = waiter
	s.mu.Unlock()

	if err := s.enqueue(protocol.HTTPRequest(requestID, raw)); err != nil {
		s.removePending(requestID)
		if r.metrics != nil {
			r.metrics.dispatchFailures.WithLabelValues("queue").Inc()
		}
		return nil, err
	}

	s.requestsTotal.Add(1)
	if r.metrics != nil {
		r.metrics.requestsInFlight.Inc()
		defer r.metrics.requestsInFlight.Dec()
	}

	select {
	case res := <-waiter:
		return r.finishDispatch(s, requestID, res)
	case <-ctx.Done():
		if !s.removePending(requestID) {
			// Lost the race against Resolve or session teardown; the
			// result is already committed to the waiter.
			return r.finishDispatch(s, requestID, <-waiter)
		}
		if r.metrics != nil {
			r.metrics.dispatchFailures.WithLabelValues("timeout").Inc()
		}
		r.logger.Warn("dispatch timed out", "client", s.clientID, "request", requestID)
		return nil, ErrResponseTimeout
	}
}

func (r *Registry) finishDispatch(s *ClientSession, requestID string, res dispatchResult) ([]byte, error) {
	if res.err != nil {
		if r.metrics != nil {
			r.metrics.dispatchFailures.WithLabelValues("session").Inc()
		}
		return nil, res.err
	}
	if r.metrics != nil {
		r.metrics.responsesTotal.Inc()
		r.metrics.responseBytes.Add(float64(len(res.payload)))
	}
	r.logger.Debug("response delivered", "client", s.clientID, "request", requestID, "bytes", len(res.payload))
	return res.payload, nil
}

// Resolve delivers an http_response frame to the waiter registered for its
// request id. Responses for unknown or already-resolved ids are logged and
// discarded; they are expected after timeouts and disconnects.
func (r *Registry) Resolve(s *ClientSession, requestID string, payload []byte, errMsg string) {
	s.mu.Lock()
	waiter, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	if !ok {
		r.logger.Debug("response for unknown request", "client", s.clientID, "request", requestID)
		return
	}
	if errMsg != "" {
		waiter <- dispatchResult{err: fmt.Errorf("%w: %s", ErrLocalBridge, errMsg)}
		return
	}
	waiter <- dispatchResult{payload: payload}
}

// Sessions returns a stable snapshot of the active sessions for the status
// surface.
func (r *Registry) Sessions() []*ClientSession {
	r.mu.Lock()
	out := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].clientID < out[j].clientID })
	return out
}

func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type dispatchResult struct {
	payload []byte
	err     error
}

// ClientSession is the server-side state for one registered tunnel client.
// All outbound frames pass through the bounded outbound queue, drained by
// the single writer pump owning the control socket; pending correlates
// in-flight request ids to their one-shot waiters.
type ClientSession struct {
	clientID    string
	domain      string
	remote      string
	connectedAt time.Time

	outbound chan *protocol.Frame
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
	pending  map[string]chan dispatchResult

	requestsTotal atomic.Int64
}

func (s *ClientSession) ClientID() string       { return s.clientID }
func (s *ClientSession) Domain() string         { return s.domain }
func (s *ClientSession) Remote() string         { return s.remote }
func (s *ClientSession) ConnectedAt() time.Time { return s.connectedAt }

// Outbound exposes the queue end drained by the session's writer pump.
func (s *ClientSession) Outbound() <-chan *protocol.Frame { return s.outbound }

// Done is closed when the session has been evicted or torn down.
func (s *ClientSession) Done() <-chan struct{} { return s.done }

func (s *ClientSession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *ClientSession) QueueDepth() int { return len(s.outbound) }

// enqueue places a frame on the outbound queue without ever blocking: a
// closed session reports its close reason and a full queue reports
// ErrDispatchQueueFull for the caller to escalate.
func (s *ClientSession) enqueue(f *protocol.Frame) error {
	select {
	case <-s.done:
		return s.closeReason()
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return s.closeReason()
	default:
		return ErrDispatchQueueFull
	}
}

// EnqueueKeepAlive queues a keepalive echo. Dropped when the queue is full;
// liveness does not compete with request delivery.
func (s *ClientSession) EnqueueKeepAlive() error {
	return s.enqueue(protocol.KeepAlive())
}

func (s *ClientSession) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClientDisconnected
}

func (s *ClientSession) removePending(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[requestID]; !ok {
		return false
	}
	delete(s.pending, requestID)
	return true
}

// fail tears the session down exactly once: the done channel wakes the
// writer pump and every pending waiter is resolved with the cause so no
// gateway task is left to ride out its full timeout.
func (s *ClientSession) fail(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	waiters := s.pending
	s.pending = nil
	s.mu.Unlock()

	close(s.done)
	for _, waiter := range waiters {
		waiter <- dispatchResult{err: cause}
	}
}
