package dynso

import "github.com/prometheus/client_golang/prometheus"

// Metrics of one Reloader, registered through WithRegisterer.
type Metrics struct {
	Reloads     *prometheus.CounterVec // by result: ok, failed
	Invocations *prometheus.CounterVec // by result: ok, missing, closed
	Loaded      prometheus.Gauge
	Exports     prometheus.Gauge
}

func newMetrics(path string) *Metrics {
	labels := prometheus.Labels{"module": path}
	return &Metrics{
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dynso",
			Name:        "reloads_total",
			Help:        "Module reloads triggered by file changes.",
			ConstLabels: labels,
		}, []string{"result"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dynso",
			Name:        "invocations_total",
			Help:        "Calls made through the reloader.",
			ConstLabels: labels,
		}, []string{"result"}),
		Loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dynso",
			Name:        "loaded",
			Help:        "1 while a usable module is loaded.",
			ConstLabels: labels,
		}),
		Exports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dynso",
			Name:        "exported_functions",
			Help:        "Functions exported by the loaded module.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Reloads, m.Invocations, m.Loaded, m.Exports}
}

// register all collectors or none of them. Collectors are unregistered by
// descriptor, so a failed attempt must not touch those it did not add.
func (m *Metrics) register(reg prometheus.Registerer) error {
	cs := m.collectors()
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			for _, done := range cs[:i] {
				reg.Unregister(done)
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *Metrics) loaded(mod *module) {
	if mod == nil {
		m.Loaded.Set(0)
		m.Exports.Set(0)
		return
	}
	m.Loaded.Set(1)
	m.Exports.Set(float64(len(mod.symbols)))
}
