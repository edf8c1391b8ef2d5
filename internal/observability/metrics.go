package observability

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// HistogramPoint holds cumulative bucket counts, as Prometheus expects them.
type HistogramPoint struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Buckets []Bucket          `json:"buckets"`
	Count   uint64            `json:"count"`
	Sum     float64           `json:"sum"`
}

type Snapshot struct {
	Counters   []MetricPoint    `json:"counters"`
	Gauges     []MetricPoint    `json:"gauges"`
	Histograms []HistogramPoint `json:"histograms,omitempty"`
}

type series struct {
	kind   kind
	name   string
	labels map[string]string
	value  float64
	// histogram state; counts are per bucket, not cumulative
	bounds []float64
	counts []uint64
	count  uint64
	sum    float64
}

// Registry keeps process-local coordinator and node instruments and renders
// them as JSON or in the Prometheus text format.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(kindCounter, name, labels, nil).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(kindGauge, name, labels, nil).value = value
}

// Observe records v into the histogram name. bounds fixes the bucket layout
// the first time a series is seen and is ignored afterwards.
func (r *Registry) Observe(name string, labels map[string]string, bounds []float64, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(kindHistogram, name, labels, bounds)
	i := sort.SearchFloat64s(s.bounds, v)
	s.counts[i]++
	s.count++
	s.sum += v
}

// get must be called with r.mu held.
func (r *Registry) get(k kind, name string, labels map[string]string, bounds []float64) *series {
	key := string(k) + "|" + seriesKey(name, labels)
	s, ok := r.series[key]
	if ok {
		return s
	}
	s = &series{kind: k, name: name, labels: cloneMap(labels)}
	if k == kindHistogram {
		s.bounds = append([]float64(nil), bounds...)
		sort.Float64s(s.bounds)
		// the last slot is the +Inf bucket
		s.counts = make([]uint64, len(s.bounds)+1)
	}
	r.series[key] = s
	return s
}

func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	return r.value(kindCounter, name, labels)
}

func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	return r.value(kindGauge, name, labels)
}

// HistogramCount is the number of observations recorded for a series.
func (r *Registry) HistogramCount(name string, labels map[string]string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[string(kindHistogram)+"|"+seriesKey(name, labels)]; ok {
		return s.count
	}
	return 0
}

func (r *Registry) value(k kind, name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[string(k)+"|"+seriesKey(name, labels)]; ok {
		return s.value
	}
	return 0
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{Counters: []MetricPoint{}, Gauges: []MetricPoint{}}
	for _, s := range r.series {
		switch s.kind {
		case kindCounter:
			out.Counters = append(out.Counters, MetricPoint{Name: s.name, Labels: cloneMap(s.labels), Value: s.value})
		case kindGauge:
			out.Gauges = append(out.Gauges, MetricPoint{Name: s.name, Labels: cloneMap(s.labels), Value: s.value})
		case kindHistogram:
			h := HistogramPoint{Name: s.name, Labels: cloneMap(s.labels), Count: s.count, Sum: s.sum}
			var cum uint64
			for i, b := range s.bounds {
				cum += s.counts[i]
				h.Buckets = append(h.Buckets, Bucket{UpperBound: b, Count: cum})
			}
			out.Histograms = append(out.Histograms, h)
		}
	}
	byName := func(a, b string, la, lb map[string]string) bool {
		if a != b {
			return a < b
		}
		return seriesKey(a, la) < seriesKey(b, lb)
	}
	sort.Slice(out.Counters, func(i, j int) bool {
		return byName(out.Counters[i].Name, out.Counters[j].Name, out.Counters[i].Labels, out.Counters[j].Labels)
	})
	sort.Slice(out.Gauges, func(i, j int) bool {
		return byName(out.Gauges[i].Name, out.Gauges[j].Name, out.Gauges[i].Labels, out.Gauges[j].Labels)
	})
	sort.Slice(out.Histograms, func(i, j int) bool {
		return byName(out.Histograms[i].Name, out.Histograms[j].Name, out.Histograms[i].Labels, out.Histograms[j].Labels)
	})
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

// RenderPrometheus writes every family once with its TYPE line.
func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	var b strings.Builder
	typed := map[string]bool{}
	header := func(name string, k kind) {
		if !typed[name] {
			typed[name] = true
			fmt.Fprintf(&b, "# TYPE %s %s\n", name, k)
		}
	}
	for _, p := range snap.Counters {
		name := promName(p.Name)
		header(name, kindCounter)
		b.WriteString(promLine(name, p.Labels, p.Value))
	}
	for _, p := range snap.Gauges {
		name := promName(p.Name)
		header(name, kindGauge)
		b.WriteString(promLine(name, p.Labels, p.Value))
	}
	for _, h := range snap.Histograms {
		name := promName(h.Name)
		header(name, kindHistogram)
		for _, bk := range h.Buckets {
			b.WriteString(promLine(name+"_bucket", withLabel(h.Labels, "le", promFloat(bk.UpperBound)), float64(bk.Count)))
		}
		b.WriteString(promLine(name+"_bucket", withLabel(h.Labels, "le", "+Inf"), float64(h.Count)))
		b.WriteString(promLine(name+"_sum", h.Labels, h.Sum))
		b.WriteString(promLine(name+"_count", h.Labels, float64(h.Count)))
	}
	return b.String()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := sortedKeys(labels)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func withLabel(in map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for lk, lv := range in {
		out[lk] = lv
	}
	out[k] = v
	return out
}

// promName maps anything outside [a-zA-Z0-9_] to '_' and prefixes names
// that would start with a digit.
func promName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "ias_unnamed"
	}
	mapped := strings.Map(func(r rune) rune {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if mapped[0] >= '0' && mapped[0] <= '9' {
		mapped = "_" + mapped
	}
	return mapped
}

func promFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func promLine(name string, labels map[string]string, v float64) string {
	if len(labels) == 0 {
		return name + " " + promFloat(v) + "\n"
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, fmt.Sprintf("%s=%q", promName(k), labels[k]))
	}
	return name + "{" + strings.Join(parts, ",") + "} " + promFloat(v) + "\n"
}
