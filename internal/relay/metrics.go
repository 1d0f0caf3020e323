package relay

import "github.com/prometheus/client_golang/prometheus"

type relayMetrics struct {
	clientsConnected   prometheus.Gauge
	registrationsTotal prometheus.Counter
	requestsInFlight   prometheus.Gauge
	requestsTotal      prometheus.Counter
	requestBytes       prometheus.Counter
	responsesTotal     prometheus.Counter
	responseBytes      prometheus.Counter
	dispatchFailures   *prometheus.CounterVec
	routeMisses        prometheus.Counter
}

// newRelayMetrics registers the relay metric set on the given registerer.
// The server passes the default registerer; tests pass their own so each
// test gets an isolated metric space.
func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	m := &relayMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rshare_clients_connected",
			Help: "Number of tunnel clients currently registered",
		}),
		registrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rshare_registrations_total",
			Help: "Total registration handshakes accepted",
		}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rshare_requests_in_flight",
			Help: "Public requests currently awaiting a client response",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rshare_requests_total",
			Help: "Total public requests dispatched to clients",
		}),
		requestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rshare_request_bytes_total",
			Help: "Total serialized request bytes forwarded to clients",
		}),
		responsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rshare_responses_total",
			Help: "Total correlated responses delivered to gateway callers",
		}),
		responseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rshare_response_bytes_total",
			Help: "Total response bytes delivered from clients",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rshare_dispatch_failures_total",
			Help: "Forwarded requests that failed, by reason",
		}, []string{"reason"}),
		routeMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rshare_route_misses_total",
			Help: "Public requests whose host matched no client session",
		}),
	}

	reg.MustRegister(
		m.clientsConnected,
		m.registrationsTotal,
		m.requestsInFlight,
		m.requestsTotal,
		m.requestBytes,
		m.responsesTotal,
		m.responseBytes,
		m.dispatchFailures,
		m.routeMisses,
	)

	return m
}
