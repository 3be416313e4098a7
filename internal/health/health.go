// Package health passively tracks per-component call statistics.
//
// Components report calls; the monitor derives an error-rate verdict and
// latency percentiles. Nothing in here takes action — circuit breakers own
// active isolation, this is for status reporting only.
package health

import (
	"sort"
	"sync"
	"time"
)

// Status is a component's health verdict.
type Status string

const (
	Healthy   Status = "HEALTHY"
	Degraded  Status = "DEGRADED"
	Unhealthy Status = "UNHEALTHY"
)

// Verdict thresholds on error rate.
const (
	degradedRate  = 0.1
	unhealthyRate = 0.5
)

// recentWindow bounds the latency samples kept per component.
const recentWindow = 100

// Component aggregates call statistics for one named component.
type Component struct {
	Name           string
	Status         Status
	TotalCalls     int
	TotalErrors    int
	totalLatencyMS float64
	recent         []float64 // last recentWindow latencies, oldest first
}

// ErrorRate returns errors/calls, 0 when nothing recorded yet.
func (c *Component) ErrorRate() float64 {
	if c.TotalCalls == 0 {
		return 0
	}
	return float64(c.TotalErrors) / float64(c.TotalCalls)
}

// AvgLatencyMS returns the mean latency across all recorded calls.
func (c *Component) AvgLatencyMS() float64 {
	if c.TotalCalls == 0 {
		return 0
	}
	return c.totalLatencyMS / float64(c.TotalCalls)
}

// P99LatencyMS returns the 99th-percentile latency over the recent window.
func (c *Component) P99LatencyMS() float64 {
	if len(c.recent) == 0 {
		return 0
	}
	sorted := make([]float64, len(c.recent))
	copy(sorted, c.recent)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (c *Component) record(latencyMS float64, isErr bool) {
	c.TotalCalls++
	if isErr {
		c.TotalErrors++
	}
	c.totalLatencyMS += latencyMS
	c.recent = append(c.recent, latencyMS)
	if len(c.recent) > recentWindow {
		c.recent = c.recent[len(c.recent)-recentWindow:]
	}
	switch rate := c.ErrorRate(); {
	case rate >= unhealthyRate:
		c.Status = Unhealthy
	case rate >= degradedRate:
		c.Status = Degraded
	default:
		c.Status = Healthy
	}
}

// Monitor tracks components by name. Thread-safe.
type Monitor struct {
	mu         sync.Mutex
	components map[string]*Component
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{components: make(map[string]*Component)}
}

// RecordCall registers one call against a component, creating it on first
// sight.
func (m *Monitor) RecordCall(component string, latencyMS float64, isErr bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[component]
	if !ok {
		c = &Component{Name: component, Status: Healthy}
		m.components[component] = c
	}
	c.record(latencyMS, isErr)
}

// CheckAll returns the current verdict for every component.
func (m *Monitor) CheckAll() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.components))
	for name, c := range m.components {
		out[name] = c.Status
	}
	return out
}

// IsHealthy reports whether no component is UNHEALTHY.
func (m *Monitor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.components {
		if c.Status == Unhealthy {
			return false
		}
	}
	return true
}

// Degraded lists components currently DEGRADED.
func (m *Monitor) Degraded() []string {
	return m.withStatus(Degraded)
}

// Unhealthy lists components currently UNHEALTHY.
func (m *Monitor) Unhealthy() []string {
	return m.withStatus(Unhealthy)
}

func (m *Monitor) withStatus(s Status) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, c := range m.components {
		if c.Status == s {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Summary returns the full health report.
func (m *Monitor) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := Healthy
	var healthy, degraded, unhealthy int
	components := make(map[string]any, len(m.components))
	for name, c := range m.components {
		switch c.Status {
		case Unhealthy:
			unhealthy++
			overall = Unhealthy
		case Degraded:
			degraded++
			if overall != Unhealthy {
				overall = Degraded
			}
		default:
			healthy++
		}
		components[name] = map[string]any{
			"status":         string(c.Status),
			"total_calls":    c.TotalCalls,
			"total_errors":   c.TotalErrors,
			"error_rate":     c.ErrorRate(),
			"avg_latency_ms": c.AvgLatencyMS(),
			"p99_latency_ms": c.P99LatencyMS(),
		}
	}

	return map[string]any{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"total_components": len(m.components),
		"healthy":          healthy,
		"degraded":         degraded,
		"unhealthy":        unhealthy,
		"overall_status":   string(overall),
		"components":       components,
	}
}
