package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Message metrics
	messagesRetrievedTotal *prometheus.CounterVec
	messagesDeletedTotal   *prometheus.CounterVec
	messagesListedTotal    *prometheus.CounterVec
	messagesSizeBytes      prometheus.Histogram

	// IMAP session metrics
	imapSessionsTotal  prometheus.Counter
	imapSessionsActive prometheus.Gauge
	imapIdleTotal      prometheus.Counter
	imapIdleDuration   prometheus.Histogram
	imapFetchBytes     *prometheus.CounterVec
	imapSearchMatches  *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailgw_connections_total",
			Help: "Total number of POP3/IMAP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailgw_connections_active",
			Help: "Number of currently active POP3/IMAP connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailgw_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgw_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgw_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"command"}),

		messagesRetrievedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgw_messages_retrieved_total",
			Help: "Total number of messages retrieved.",
		}, []string{"user_domain"}),
		messagesDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgw_messages_deleted_total",
			Help: "Total number of messages marked for deletion.",
		}, []string{"user_domain"}),
		messagesListedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgw_messages_listed_total",
			Help: "Total number of message list operations.",
		}, []string{"user_domain"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgw_messages_size_bytes",
			Help:    "Size of retrieved messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		imapSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailgw_imap_sessions_total",
			Help: "Total number of IMAP sessions opened.",
		}),
		imapSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailgw_imap_sessions_active",
			Help: "Number of currently active IMAP sessions.",
		}),
		imapIdleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailgw_imap_idle_total",
			Help: "Total number of IDLE commands started.",
		}),
		imapIdleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgw_imap_idle_duration_seconds",
			Help:    "Duration of IDLE commands in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		imapFetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgw_imap_fetch_bytes_total",
			Help: "Total bytes returned by FETCH responses.",
		}, []string{"user_domain"}),
		imapSearchMatches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgw_imap_search_matches",
			Help:    "Number of messages matched per SEARCH command.",
			Buckets: []float64{0, 1, 5, 25, 100, 1000, 10000},
		}, []string{"user_domain"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesRetrievedTotal,
		c.messagesDeletedTotal,
		c.messagesListedTotal,
		c.messagesSizeBytes,
		c.imapSessionsTotal,
		c.imapSessionsActive,
		c.imapIdleTotal,
		c.imapIdleDuration,
		c.imapFetchBytes,
		c.imapSearchMatches,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(authDomain, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// MessageRetrieved increments the message retrieved counter and observes message size.
func (c *PrometheusCollector) MessageRetrieved(userDomain string, sizeBytes int64) {
	c.messagesRetrievedTotal.WithLabelValues(userDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageDeleted increments the message deleted counter.
func (c *PrometheusCollector) MessageDeleted(userDomain string) {
	c.messagesDeletedTotal.WithLabelValues(userDomain).Inc()
}

// MessageListed increments the message listed counter.
func (c *PrometheusCollector) MessageListed(userDomain string) {
	c.messagesListedTotal.WithLabelValues(userDomain).Inc()
}

// IMAPSessionOpened increments the IMAP session counter and active gauge.
func (c *PrometheusCollector) IMAPSessionOpened() {
	c.imapSessionsTotal.Inc()
	c.imapSessionsActive.Inc()
}

// IMAPSessionClosed decrements the active IMAP sessions gauge.
func (c *PrometheusCollector) IMAPSessionClosed() {
	c.imapSessionsActive.Dec()
}

// IMAPIdleStarted increments the IDLE counter.
func (c *PrometheusCollector) IMAPIdleStarted() {
	c.imapIdleTotal.Inc()
}

// IMAPIdleEnded observes the duration of a finished IDLE command.
func (c *PrometheusCollector) IMAPIdleEnded(duration float64) {
	c.imapIdleDuration.Observe(duration)
}

// IMAPFetchBytes adds to the bytes-returned-by-FETCH counter.
func (c *PrometheusCollector) IMAPFetchBytes(userDomain string, bytes int64) {
	c.imapFetchBytes.WithLabelValues(userDomain).Add(float64(bytes))
}

// IMAPSearchMatched observes the number of messages a SEARCH matched.
func (c *PrometheusCollector) IMAPSearchMatched(userDomain string, matches int) {
	c.imapSearchMatches.WithLabelValues(userDomain).Observe(float64(matches))
}
