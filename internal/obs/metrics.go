package obs

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// PromMeter bridges Meter onto Prometheus vectors, registering each
// metric lazily on first use. A metric name must always be emitted
// with the same label keys.
type PromMeter struct {
	namespace string
	reg       prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPromMeter(namespace string, reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMeter{
		namespace:  namespace,
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	keys, values := split(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help(name),
		}, keys)
		vec = register(m.reg, vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Add(value)
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, values := split(labels)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help(name),
			Buckets:   prometheus.DefBuckets,
		}, keys)
		vec = register(m.reg, vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Observe(value)
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func split(labels []Label) ([]string, []string) {
	sorted := append([]Label(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	keys := make([]string, len(sorted))
	values := make([]string, len(sorted))
	for i, l := range sorted {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

func help(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
