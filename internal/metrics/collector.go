// Package metrics keeps process-wide counters, gauges and histograms for
// mcpchat and renders them in the Prometheus text exposition format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector the predefined metrics live in.
var Collector = NewMetricsCollector()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family is every series sharing one metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // label set -> *Counter | *Gauge | *Histogram
}

// MetricsCollector owns metric families by name.
type MetricsCollector struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), started: time.Now()}
}

// Uptime returns how long the collector has existed.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.started)
}

type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.v.Store(v) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative buckets. The +Inf bucket
// is implicit and equals the total count.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// lookup returns the series for labels, creating the family and series
// with mk when missing. Re-registering a name as another kind panics.
func (c *MetricsCollector) lookup(name, help, labels string, k kind, mk func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	} else if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, not %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter returns the counter for name and labels (`key="value"` pairs),
// creating it on first use.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, labels, kindCounter, func() any { return &Counter{} }).(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, labels, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. Bounds only apply
// when the series is created.
func (c *MetricsCollector) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return c.lookup(name, help, labels, kindHistogram, func() any {
		b := make([]float64, 0, len(bounds))
		for _, le := range bounds {
			if !math.IsInf(le, 1) {
				b = append(b, le)
			}
		}
		sort.Float64s(b)
		return &Histogram{bounds: b, counts: make([]int64, len(b))}
	}).(*Histogram)
}

// Handler serves the exposition format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// Render returns the exposition text.
func (c *MetricsCollector) Render() string {
	var sb strings.Builder
	c.WriteTo(&sb)
	return sb.String()
}

// WriteTo writes every family sorted by name, and every series sorted by
// label set, so consecutive scrapes diff cleanly.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	fmt.Fprintf(cw, "# HELP mcpchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(cw, "# TYPE mcpchat_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "mcpchat_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	for _, f := range c.snapshot() {
		fmt.Fprintf(cw, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(cw, "# TYPE %s %s\n", f.name, f.kind)
		labelSets := make([]string, 0, len(f.series))
		for l := range f.series {
			labelSets = append(labelSets, l)
		}
		sort.Strings(labelSets)
		for _, labels := range labelSets {
			switch s := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(cw, "%s %d\n", series(f.name, labels), s.Value())
			case *Gauge:
				fmt.Fprintf(cw, "%s %d\n", series(f.name, labels), s.Value())
			case *Histogram:
				writeHistogram(cw, f.name, labels, s)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func writeHistogram(w io.Writer, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket := func(le string, n int64) {
		l := `le="` + le + `"`
		if labels != "" {
			l = labels + "," + l
		}
		fmt.Fprintf(w, "%s_bucket{%s} %d\n", name, l, n)
	}
	for i, le := range h.bounds {
		bucket(strconv.FormatFloat(le, 'g', -1, 64), h.counts[i])
	}
	bucket("+Inf", h.count)
	fmt.Fprintf(w, "%s %g\n", series(name+"_sum", labels), h.sum)
	fmt.Fprintf(w, "%s %d\n", series(name+"_count", labels), h.count)
}

// snapshot copies the family list so rendering does not hold mu while
// writing to a slow client.
func (c *MetricsCollector) snapshot() []*family {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*family, 0, len(c.families))
	for _, f := range c.families {
		cp := &family{name: f.name, help: f.help, kind: f.kind, series: make(map[string]any, len(f.series))}
		for l, s := range f.series {
			cp.series[l] = s
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Metrics recorded across mcpchat.
var (
	TurnsTotal         = Collector.Counter("mcpchat_turns_total", "Chat turns started", "")
	ModelRequestsTotal = Collector.Counter("mcpchat_model_requests_total", "Reasoning backend requests", "")
	ToolDispatches     = Collector.Counter("mcpchat_tool_dispatches_total", "Tool dispatches", "")
	ToolErrors         = Collector.Counter("mcpchat_tool_errors_total", "Tool dispatches that returned an error result", "")
	ActiveSessions     = Collector.Gauge("mcpchat_active_sessions", "Sessions currently held in memory", "")
	RegisteredTools    = Collector.Gauge("mcpchat_registered_tools", "Tools in the registry catalog", "")

	ModelLatency = Collector.Histogram("mcpchat_model_latency_seconds", "Reasoning backend latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	ToolLatency = Collector.Histogram("mcpchat_tool_latency_seconds", "Tool dispatch latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30})
)

// TurnFailures returns the failure counter for reason (timeout,
// iteration_limit, model, error).
func TurnFailures(reason string) *Counter {
	return Collector.Counter("mcpchat_turn_failures_total", "Chat turns that failed, by reason", `reason="`+reason+`"`)
}
