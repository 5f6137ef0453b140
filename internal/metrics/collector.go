// Package metrics is a lightweight Prometheus-exposition collector for the
// pipeline. It renders text/plain output without pulling in the heavy
// prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewCollector()

type CollectorSet struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewCollector() *CollectorSet {
	return &CollectorSet{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name, help, labels string
	value              atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name, help string
	value      atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name, help string
	mu         sync.Mutex
	count      int64
	sum        float64
	bounds     []float64
	buckets    []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

func (s *CollectorSet) Counter(name, help, labels string) *Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := name + "{" + labels + "}"
	if c, ok := s.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels}
	s.counters[key] = c
	return c
}

func (s *CollectorSet) Gauge(name, help string) *Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	s.gauges[name] = g
	return g
}

func (s *CollectorSet) Histogram(name, help string, bounds []float64) *Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	sort.Float64s(bounds)
	h := &Histogram{name: name, help: help, bounds: bounds, buckets: make([]int64, len(bounds))}
	s.histograms[name] = h
	return h
}

// Handler renders the registry in Prometheus text exposition format.
func (s *CollectorSet) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP readloong_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE readloong_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "readloong_uptime_seconds %d\n", int64(time.Since(s.startTime).Seconds()))

		s.mu.Lock()
		counters := make([]*Counter, 0, len(s.counters))
		for _, c := range s.counters {
			counters = append(counters, c)
		}
		gauges := make([]*Gauge, 0, len(s.gauges))
		for _, g := range s.gauges {
			gauges = append(gauges, g)
		}
		histograms := make([]*Histogram, 0, len(s.histograms))
		for _, h := range s.histograms {
			histograms = append(histograms, h)
		}
		s.mu.Unlock()

		sort.Slice(counters, func(i, j int) bool {
			return counters[i].name+counters[i].labels < counters[j].name+counters[j].labels
		})
		helpWritten := make(map[string]bool)
		for _, c := range counters {
			if !helpWritten[c.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
				helpWritten[c.name] = true
			}
			if c.labels != "" {
				fmt.Fprintf(&sb, "%s{%s} %d\n", c.name, c.labels, c.Value())
			} else {
				fmt.Fprintf(&sb, "%s %d\n", c.name, c.Value())
			}
		}

		sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
		for _, g := range gauges {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.Value())
		}

		sort.Slice(histograms, func(i, j int) bool { return histograms[i].name < histograms[j].name })
		for _, h := range histograms {
			h.mu.Lock()
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			for i, le := range h.bounds {
				label := fmt.Sprintf("%g", le)
				if math.IsInf(le, 1) {
					label = "+Inf"
				}
				fmt.Fprintf(&sb, "%s_bucket{le=%q} %d\n", h.name, label, h.buckets[i])
			}
			fmt.Fprintf(&sb, "%s_count %d\n%s_sum %f\n", h.name, h.count, h.name, h.sum)
			h.mu.Unlock()
		}

		fmt.Fprint(w, sb.String())
	}
}

// Pipeline metrics used across the application.
var (
	MessagesTotal    = Collector.Counter("readloong_messages_total", "Total messages ingested", "")
	BatchesClosed    = Collector.Counter("readloong_batches_closed_total", "Total batches closed", "")
	ItemsExtracted   = Collector.Counter("readloong_items_extracted_total", "Items extracted successfully", "")
	ItemsFailed      = Collector.Counter("readloong_items_failed_total", "Items that failed extraction", "")
	SynthesisTotal   = Collector.Counter("readloong_synthesis_total", "Total synthesis calls", "")
	SynthesisFailed  = Collector.Counter("readloong_synthesis_failed_total", "Failed synthesis calls", "")
	OpenBatches      = Collector.Gauge("readloong_open_batches", "Chats with an open batch")
	BatchProcessTime = Collector.Histogram("readloong_batch_processing_seconds", "End-to-end batch processing latency",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, math.Inf(1)})
)
