package compaction

import (
	"expvar"
	"fmt"
	"sync"

	tdigest "github.com/caio/go-tdigest/v4"
)

// rewriteLatencyBuckets are the cumulative histogram bounds, in seconds.
var rewriteLatencyBuckets = []float64{0.01, 0.05, 0.25, 1, 5, 30}

// Metrics holds the expvar variables for one compactor instance, plus a
// t-digest of rewrite durations for quantile reporting.
type Metrics struct {
	CyclesTotal       *expvar.Int
	TasksTotal        *expvar.Int
	TaskErrorsTotal   *expvar.Int
	SegmentsRewritten *expvar.Int
	RewritesSkipped   *expvar.Int
	RewriteLatency    *expvar.Map

	mu     sync.Mutex
	digest *tdigest.TDigest
}

// NewMetrics creates an unpublished metrics set. Pass publishGlobally to
// also register every variable in the global expvar namespace under the
// given prefix; only one instance per process may do so.
func NewMetrics(publishGlobally bool, prefix string) (*Metrics, error) {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	newMap := func(_ string) *expvar.Map {
		m := new(expvar.Map)
		m.Init()
		return m
	}
	if publishGlobally {
		newInt = func(name string) *expvar.Int { return expvar.NewInt(name) }
		newMap = func(name string) *expvar.Map { return expvar.NewMap(name) }
	}

	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	m := &Metrics{
		CyclesTotal:       newInt(prefix + "compaction_cycles_total"),
		TasksTotal:        newInt(prefix + "compaction_tasks_total"),
		TaskErrorsTotal:   newInt(prefix + "compaction_task_errors_total"),
		SegmentsRewritten: newInt(prefix + "compaction_segments_rewritten_total"),
		RewritesSkipped:   newInt(prefix + "compaction_rewrites_skipped_total"),
		RewriteLatency:    newMap(prefix + "compaction_rewrite_latency_seconds"),
		digest:            td,
	}

	m.RewriteLatency.Set("count", new(expvar.Int))
	m.RewriteLatency.Set("sum", new(expvar.Float))
	for _, b := range rewriteLatencyBuckets {
		m.RewriteLatency.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	m.RewriteLatency.Set("le_inf", new(expvar.Int))
	return m, nil
}

// ObserveRewrite records one completed rewrite duration.
func (m *Metrics) ObserveRewrite(durationSeconds float64) {
	if m == nil {
		return
	}
	observeLatency(m.RewriteLatency, durationSeconds)

	m.mu.Lock()
	defer m.mu.Unlock()
	// AddWeighted only fails on non-finite values, which a monotonic
	// clock cannot produce.
	_ = m.digest.AddWeighted(durationSeconds, 1)
}

// RewriteQuantile returns the q-quantile of observed rewrite durations in
// seconds, or 0 when nothing has been observed yet.
func (m *Metrics) RewriteQuantile(q float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.digest.Count() == 0 {
		return 0
	}
	return m.digest.Quantile(q)
}

func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar, ok := histMap.Get("count").(*expvar.Int); ok {
		countVar.Add(1)
	}
	if sumVar, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumVar.Add(durationSeconds)
	}
	for _, b := range rewriteLatencyBuckets {
		if durationSeconds <= b {
			if bucketVar, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
				bucketVar.Add(1)
			}
		}
	}
	if infVar, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infVar.Add(1)
	}
}
