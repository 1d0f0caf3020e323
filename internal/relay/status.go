package relay

import (
	"encoding/json"
	"net/http"
	"time"
)

type statusPayload struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	BaseDomain  string           `json:"baseDomain"`
	ControlAddr string           `json:"controlAddr"`
	PublicAddr  string           `json:"publicAddr"`
	Clients     []statusClient   `json:"clients"`
	Resources   resourceSnapshot `json:"resources"`
}

type statusClient struct {
	ClientID      string    `json:"clientId"`
	Domain        string    `json:"domain,omitempty"`
	URL           string    `json:"url"`
	Remote        string    `json:"remote,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	PendingCount  int       `json:"pendingCount"`
	QueueDepth    int       `json:"queueDepth"`
	RequestsTotal int64     `json:"requestsTotal"`
}

func (s *relayServer) collectStatus() statusPayload {
	sessions := s.registry.Sessions()
	clients := make([]statusClient, 0, len(sessions))
	for _, session := range sessions {
		clients = append(clients, statusClient{
			ClientID:      session.ClientID(),
			Domain:        session.Domain(),
			URL:           s.registry.PublicURL(session.ClientID(), session.Domain()),
			Remote:        session.Remote(),
			ConnectedAt:   session.ConnectedAt(),
			PendingCount:  session.PendingCount(),
			QueueDepth:    session.QueueDepth(),
			RequestsTotal: session.requestsTotal.Load(),
		})
	}

	resources := resourceSnapshot{}
	if s.resources != nil {
		resources = s.resources.snapshot(6 * 60)
	}

	return statusPayload{
		GeneratedAt: time.Now(),
		BaseDomain:  s.registry.BaseDomain(),
		ControlAddr: s.opts.controlListen,
		PublicAddr:  s.opts.publicListen,
		Clients:     clients,
		Resources:   resources,
	}
}

func (s *relayServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.collectStatus()); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}

func (s *relayServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
