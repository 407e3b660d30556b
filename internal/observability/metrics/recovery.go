package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

type attemptKey struct {
	outcome string
}

type stageKey struct {
	stage   string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	attempts map[attemptKey]uint64
	stages   map[stageKey]uint64
	latency  map[stageKey]*histogram
}

var recoveryCollector = &collector{
	attempts: make(map[attemptKey]uint64),
	stages:   make(map[stageKey]uint64),
	latency:  make(map[stageKey]*histogram),
}

// ObserveAttempt records the outcome of one full recovery attempt.
func ObserveAttempt(outcome string, duration time.Duration) {
	recoveryCollector.observeAttempt(outcome, duration)
}

// ObserveStage records the outcome and latency of a single recovery stage.
func ObserveStage(stage, outcome string, duration time.Duration) {
	recoveryCollector.observeStage(stage, outcome, duration)
}

func (c *collector) observeAttempt(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[attemptKey{outcome: outcome}]++
	key := stageKey{stage: "attempt", outcome: outcome}
	c.observeLatencyLocked(key, duration)
}

func (c *collector) observeStage(stage, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := stageKey{stage: stage, outcome: outcome}
	c.stages[key]++
	c.observeLatencyLocked(key, duration)
}

func (c *collector) observeLatencyLocked(key stageKey, duration time.Duration) {
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values above the last bucket are accounted for in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, recoveryCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := "# HELP chatlink_recovery_attempts_total Total recovery attempts by outcome.\n"
	out += "# TYPE chatlink_recovery_attempts_total counter\n"
	attemptKeys := make([]attemptKey, 0, len(c.attempts))
	for key := range c.attempts {
		attemptKeys = append(attemptKeys, key)
	}
	sort.Slice(attemptKeys, func(i, j int) bool { return attemptKeys[i].outcome < attemptKeys[j].outcome })
	for _, key := range attemptKeys {
		out += fmt.Sprintf("chatlink_recovery_attempts_total{outcome=%q} %d\n", key.outcome, c.attempts[key])
	}

	out += "# HELP chatlink_recovery_stage_total Recovery stage executions by stage and outcome.\n"
	out += "# TYPE chatlink_recovery_stage_total counter\n"
	stageKeys := make([]stageKey, 0, len(c.stages))
	for key := range c.stages {
		stageKeys = append(stageKeys, key)
	}
	sort.Slice(stageKeys, func(i, j int) bool {
		if stageKeys[i].stage != stageKeys[j].stage {
			return stageKeys[i].stage < stageKeys[j].stage
		}
		return stageKeys[i].outcome < stageKeys[j].outcome
	})
	for _, key := range stageKeys {
		out += fmt.Sprintf("chatlink_recovery_stage_total{stage=%q,outcome=%q} %d\n", key.stage, key.outcome, c.stages[key])
	}

	out += "# HELP chatlink_recovery_stage_seconds Recovery stage latency in seconds.\n"
	out += "# TYPE chatlink_recovery_stage_seconds histogram\n"
	latencyKeys := make([]stageKey, 0, len(c.latency))
	for key := range c.latency {
		latencyKeys = append(latencyKeys, key)
	}
	sort.Slice(latencyKeys, func(i, j int) bool {
		if latencyKeys[i].stage != latencyKeys[j].stage {
			return latencyKeys[i].stage < latencyKeys[j].stage
		}
		return latencyKeys[i].outcome < latencyKeys[j].outcome
	})
	for _, key := range latencyKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			out += fmt.Sprintf("chatlink_recovery_stage_seconds_bucket{stage=%q,outcome=%q,le=%q} %d\n",
				key.stage, key.outcome, fmt.Sprintf("%g", bound), hist.counts[idx])
		}
		out += fmt.Sprintf("chatlink_recovery_stage_seconds_bucket{stage=%q,outcome=%q,le=\"+Inf\"} %d\n",
			key.stage, key.outcome, hist.count)
		out += fmt.Sprintf("chatlink_recovery_stage_seconds_sum{stage=%q,outcome=%q} %g\n", key.stage, key.outcome, hist.sum)
		out += fmt.Sprintf("chatlink_recovery_stage_seconds_count{stage=%q,outcome=%q} %d\n", key.stage, key.outcome, hist.count)
	}
	return out
}
