package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"decentrilicense/pkg/election"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every collector the client and registry report.
type Metrics struct {
	// Election metrics
	ElectionsTotal  *prometheus.CounterVec
	ElectionLatency prometheus.Histogram
	DiscoveredPeers prometheus.Gauge
	PeersByStatus   *prometheus.GaugeVec

	// Token metrics
	VerificationsTotal *prometheus.CounterVec
	ActivationsTotal   *prometheus.CounterVec
	UsageAppends       prometheus.Counter
	StateIndex         prometheus.Gauge

	// Registry metrics
	RegistryRequests  *prometheus.CounterVec
	RegistryLatency   *prometheus.HistogramVec
	RegisteredDevices prometheus.Gauge
}

// NewMetrics registers the collectors with registry, or the default
// registerer when nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ElectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decentrilicense_elections_total",
			Help: "Election rounds by outcome",
		}, []string{"outcome"}),
		ElectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "decentrilicense_election_latency_seconds",
			Help:    "Time from discovery to a settled state",
			Buckets: prometheus.DefBuckets,
		}),
		DiscoveredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "decentrilicense_discovered_peers",
			Help: "Peers that answered the last discovery",
		}),
		PeersByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "decentrilicense_peers",
			Help: "Known peers by liveness status",
		}, []string{"status"}),

		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decentrilicense_verifications_total",
			Help: "Trust chain verifications by result",
		}, []string{"valid", "detail"}),
		ActivationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decentrilicense_activations_total",
			Help: "Activation attempts by result",
		}, []string{"valid", "detail"}),
		UsageAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "decentrilicense_usage_appends_total",
			Help: "Usage entries appended to the state chain",
		}),
		StateIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "decentrilicense_state_index",
			Help: "State index of the current token",
		}),

		RegistryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decentrilicense_registry_requests_total",
			Help: "Registry HTTP requests by route and status code",
		}, []string{"route", "code"}),
		RegistryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decentrilicense_registry_latency_seconds",
			Help:    "Registry HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RegisteredDevices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "decentrilicense_registry_devices",
			Help: "Devices currently registered",
		}),
	}
}

// detailLabel trims a verification detail to its stable prefix so label
// cardinality stays bounded.
func detailLabel(detail string) string {
	for i, r := range detail {
		if r == ':' {
			return detail[:i]
		}
	}
	return detail
}

func (m *Metrics) ObserveVerification(valid bool, detail string) {
	m.VerificationsTotal.WithLabelValues(strconv.FormatBool(valid), detailLabel(detail)).Inc()
}

func (m *Metrics) ObserveActivation(valid bool, detail string) {
	m.ActivationsTotal.WithLabelValues(strconv.FormatBool(valid), detailLabel(detail)).Inc()
}

func (m *Metrics) ObserveElection(outcome string, elapsed time.Duration) {
	m.ElectionsTotal.WithLabelValues(outcome).Inc()
	m.ElectionLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) SetDiscoveredPeers(n int) {
	m.DiscoveredPeers.Set(float64(n))
}

func (m *Metrics) ObserveUsage(stateIndex uint64) {
	m.UsageAppends.Inc()
	m.StateIndex.Set(float64(stateIndex))
}

func (m *Metrics) ObserveRegistryRequest(route string, code int, elapsed time.Duration) {
	m.RegistryRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RegistryLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// PeerSource is anything with a peer table.
type PeerSource interface {
	Peers() []election.PeerState
}

// PeerMonitor periodically mirrors a peer table into PeersByStatus.
type PeerMonitor struct {
	mu sync.Mutex

	metrics  *Metrics
	source   PeerSource
	interval time.Duration
	logger   *zap.Logger

	lastCheck time.Time
	stopChan  chan struct{}
}

func NewPeerMonitor(m *Metrics, source PeerSource, interval time.Duration, logger *zap.Logger) *PeerMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PeerMonitor{metrics: m, source: source, interval: interval, logger: logger}
}

func (pm *PeerMonitor) Start() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.stopChan != nil {
		return
	}
	pm.stopChan = make(chan struct{})
	go pm.monitorLoop(pm.stopChan)
}

func (pm *PeerMonitor) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.stopChan != nil {
		close(pm.stopChan)
		pm.stopChan = nil
	}
}

func (pm *PeerMonitor) monitorLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.Check()
	for {
		select {
		case <-ticker.C:
			pm.Check()
		case <-stop:
			return
		}
	}
}

// Check refreshes the gauges once.
func (pm *PeerMonitor) Check() {
	counts := map[election.PeerStatus]int{
		election.PeerAlive:     0,
		election.PeerSuspected: 0,
		election.PeerDead:      0,
	}
	for _, p := range pm.source.Peers() {
		counts[p.Status]++
	}
	for status, n := range counts {
		pm.metrics.PeersByStatus.WithLabelValues(status.String()).Set(float64(n))
	}

	pm.mu.Lock()
	pm.lastCheck = time.Now()
	pm.mu.Unlock()

	pm.logger.Debug("Peer check completed",
		zap.Int("alive", counts[election.PeerAlive]),
		zap.Int("suspected", counts[election.PeerSuspected]),
		zap.Int("dead", counts[election.PeerDead]))
}

func (pm *PeerMonitor) LastCheck() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastCheck
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartMetricsServer exposes /metrics on addr until the returned server is
// shut down.
func StartMetricsServer(addr string, g prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}
