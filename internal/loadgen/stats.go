package loadgen

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from many simulated players. It is
// safe for concurrent use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	callLatencies    []time.Duration
	errors           int
	connections      int
	challenges       int
	startTime        time.Time
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a connection that reached LOGGED_IN after d.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddCall records one request/response round trip.
func (c *Collector) AddCall(d time.Duration) {
	c.mu.Lock()
	c.callLatencies = append(c.callLatencies, d)
	c.mu.Unlock()
}

// AddChallenge counts a challenge that reached its final report.
func (c *Collector) AddChallenge() {
	c.mu.Lock()
	c.challenges++
	c.mu.Unlock()
}

// AddError counts a failed step.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Counts returns connections, challenges and errors so far.
func (c *Collector) Counts() (connections, challenges, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections, c.challenges, c.errors
}

// Report writes a summary with latency percentiles to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Challenges:   %d\n", c.challenges)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Login Latency ---")
		fmt.Fprintln(w, summarize(c.connectLatencies))
	}
	if len(c.callLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Request Latency ---")
		fmt.Fprintln(w, summarize(c.callLatencies))
	}
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	Avg, P50, P95, P99, Max time.Duration
	N                       int
}

func percentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
		N:   n,
	}
}

func summarize(durations []time.Duration) string {
	p := percentiles(durations)
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
