package metrics

import (
	"net/http"

	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "road_monitor_map"

// Metrics records engine and loader activity as prometheus series.
type Metrics struct {
	entitiesDropped *prometheus.CounterVec
	overlayChanges  *prometheus.CounterVec
	entities        *prometheus.GaugeVec
	popupsOpened    prometheus.Counter
	announcements   *prometheus.CounterVec
	jumps           *prometheus.CounterVec
	fetches         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		entitiesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_dropped_total",
			Help:      "Malformed entities dropped before reaching the store",
		}, []string{"category", "reason"}),
		overlayChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlay_changes_total",
			Help:      "Overlay changes applied by reconciliation",
		}, []string{"category", "change"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities tracked per category after the last fetch",
		}, []string{"category"}),
		popupsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "popups_opened_total",
			Help:      "Popups opened on the map surface",
		}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Transient announcements shown",
		}, []string{"severity"}),
		jumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jumps_total",
			Help:      "Completed jump commands by outcome",
		}, []string{"category", "outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Upstream category fetches by outcome",
		}, []string{"category", "outcome"}),
	}

	reg.MustRegister(
		m.entitiesDropped, m.overlayChanges, m.entities, m.popupsOpened,
		m.announcements, m.jumps, m.fetches,
	)

	return m
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) EntityDropped(c types.Category, reason string) {
	m.entitiesDropped.WithLabelValues(string(c), reason).Inc()
}

func (m *Metrics) Reconciled(c types.Category, diff overlay.Diff) {
	m.overlayChanges.WithLabelValues(string(c), "added").Add(float64(len(diff.Added)))
	m.overlayChanges.WithLabelValues(string(c), "removed").Add(float64(len(diff.Removed)))
	m.overlayChanges.WithLabelValues(string(c), "moved").Add(float64(len(diff.Moved)))
}

func (m *Metrics) PopupOpened() {
	m.popupsOpened.Inc()
}

func (m *Metrics) AnnouncementShown(s types.Severity) {
	m.announcements.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) JumpCompleted(c types.Category, matched bool) {
	outcome := "standalone"
	if matched {
		outcome = "matched"
	}
	m.jumps.WithLabelValues(string(c), outcome).Inc()
}

func (m *Metrics) FetchFailed(c types.Category) {
	m.fetches.WithLabelValues(string(c), "failed").Inc()
}

func (m *Metrics) FetchSucceeded(c types.Category, n int) {
	m.fetches.WithLabelValues(string(c), "succeeded").Inc()
	m.entities.WithLabelValues(string(c)).Set(float64(n))
}
