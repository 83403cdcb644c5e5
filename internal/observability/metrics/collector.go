package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "sokosumi"

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Payment waits run for minutes, not milliseconds.
var waitBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

// family is one named metric with an ordered label set.
type family struct {
	name    string
	help    string
	kind    string
	labels  []string
	buckets []float64

	counters map[string]uint64
	hists    map[string]*histogram
	values   map[string][]string
}

func newCounter(name, help string, labels ...string) *family {
	return &family{
		name: namespace + "_" + name, help: help, kind: "counter", labels: labels,
		counters: make(map[string]uint64), values: make(map[string][]string),
	}
}

func newHistogramFamily(name, help string, buckets []float64, labels ...string) *family {
	return &family{
		name: namespace + "_" + name, help: help, kind: "histogram", labels: labels, buckets: buckets,
		hists: make(map[string]*histogram), values: make(map[string][]string),
	}
}

func (f *family) key(values []string) string {
	k := strings.Join(values, "\x00")
	if _, ok := f.values[k]; !ok {
		f.values[k] = append([]string(nil), values...)
	}
	return k
}

func (f *family) inc(values ...string) {
	f.counters[f.key(values)]++
}

func (f *family) observe(value float64, values ...string) {
	k := f.key(values)
	h := f.hists[k]
	if h == nil {
		h = newHistogram(f.buckets)
		f.hists[k] = h
	}
	h.observe(value)
}

func (f *family) render(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)

	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		labels := f.labelPairs(f.values[k])
		if f.kind == "counter" {
			fmt.Fprintf(b, "%s{%s} %d\n", f.name, labels, f.counters[k])
			continue
		}
		h := f.hists[k]
		prefix := labels
		if prefix != "" {
			prefix += ","
		}
		for idx, bound := range h.buckets {
			fmt.Fprintf(b, "%s_bucket{%sle=\"%s\"} %d\n", f.name, prefix, formatFloat(bound), h.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", f.name, prefix, h.count)
		fmt.Fprintf(b, "%s_sum{%s} %s\n", f.name, labels, formatFloat(h.sum))
		fmt.Fprintf(b, "%s_count{%s} %d\n", f.name, labels, h.count)
	}
}

func (f *family) labelPairs(values []string) string {
	pairs := make([]string, len(f.labels))
	for i, label := range f.labels {
		pairs[i] = fmt.Sprintf("%s=\"%s\"", label, escape(values[i]))
	}
	return strings.Join(pairs, ",")
}

type collector struct {
	mu sync.Mutex

	httpRequests *family
	httpErrors   *family
	httpLatency  *family
	hires        *family
	paymentWaits *family
	waitDuration *family
	jobOutcomes  *family
}

func newCollector() *collector {
	return &collector{
		httpRequests: newCounter("http_requests_total", "Total number of HTTP requests processed.", "handler", "method", "code"),
		httpErrors:   newCounter("http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", "handler", "method"),
		httpLatency:  newHistogramFamily("http_request_duration_seconds", "HTTP request duration in seconds.", defaultBuckets, "handler", "method"),
		hires:        newCounter("hires_total", "Agent hires by payment mode.", "mode"),
		paymentWaits: newCounter("payment_waits_total", "Payment lock waits by outcome.", "outcome"),
		waitDuration: newHistogramFamily("payment_wait_duration_seconds", "Time spent waiting for a payment lock.", waitBuckets, "outcome"),
		jobOutcomes:  newCounter("jobs_finished_total", "Hired jobs reaching a terminal status.", "status"),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= 500 {
		c.httpErrors.inc(handler, method)
	}
	c.httpLatency.observe(duration.Seconds(), handler, method)
}

// ObserveHire counts one hire. mode is "free", "sync" or "async".
func ObserveHire(mode string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hires.inc(mode)
}

// ObservePaymentWait records how a payment lock wait ended and how long it took.
func ObservePaymentWait(outcome string, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentWaits.inc(outcome)
	c.waitDuration.observe(duration.Seconds(), outcome)
}

// ObserveJobFinished counts a job reaching a terminal status.
func ObserveJobFinished(status string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobOutcomes.inc(status)
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)
	for _, f := range []*family{c.httpRequests, c.httpErrors, c.httpLatency, c.hires, c.paymentWaits, c.waitDuration, c.jobOutcomes} {
		f.render(&b)
	}
	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
