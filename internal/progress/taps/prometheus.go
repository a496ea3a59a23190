package taps

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/progress"
)

// PrometheusTap exports workflow progress metrics via Prometheus. It owns the
// collectors for items completed/running, captcha attempts, and per-step
// latency.
type PrometheusTap struct {
	itemsCompleted  *prometheus.CounterVec
	itemsRunning    prometheus.Gauge
	captchaAttempts prometheus.Counter
	stepDuration    *prometheus.HistogramVec

	mu      sync.Mutex
	entered map[itemStepKey]time.Time
	running map[itemKey]struct{}
}

type itemKey struct {
	request string
	item    int
}

type itemStepKey struct {
	request string
	item    int
	step    permit.Step
}

// NewPrometheusTap registers the collectors against the provided registry.
func NewPrometheusTap(reg prometheus.Registerer) (*PrometheusTap, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &PrometheusTap{
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitd_items_completed_total",
			Help: "Total permit items completed partitioned by result and failure kind.",
		}, []string{"result", "failure"}),
		itemsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "permitd_items_running",
			Help: "Current number of in-flight permit items.",
		}),
		captchaAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permitd_captcha_items_total",
			Help: "Total items that reached the captcha answer step.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "permitd_step_duration_seconds",
			Help:    "Wall time per portal step partitioned by step name.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"step"}),
		entered: make(map[itemStepKey]time.Time),
		running: make(map[itemKey]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		t.itemsCompleted,
		t.itemsRunning,
		t.captchaAttempts,
		t.stepDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return t, nil
}

// Observe updates the collectors for one event. Safe for concurrent use.
func (t *PrometheusTap) Observe(evt progress.Event) {
	key := itemStepKey{request: evt.RequestID.String(), item: evt.ItemIndex, step: evt.Step}
	item := itemKey{request: key.request, item: key.item}
	switch evt.Phase {
	case progress.PhaseEnter:
		t.mu.Lock()
		if _, ok := t.running[item]; !ok {
			t.running[item] = struct{}{}
			t.itemsRunning.Inc()
		}
		t.entered[key] = evt.TS
		t.mu.Unlock()
		if evt.Step == permit.StepCaptchaAnswer {
			t.captchaAttempts.Inc()
		}
	case progress.PhaseResult:
		t.mu.Lock()
		if start, ok := t.entered[key]; ok {
			t.stepDuration.WithLabelValues(evt.StepName).Observe(evt.TS.Sub(start).Seconds())
			delete(t.entered, key)
		}
		t.mu.Unlock()
		if evt.Terminal() {
			t.itemsCompleted.WithLabelValues(string(evt.Status), string(evt.Failure)).Inc()
			t.forgetItem(item)
		}
	}
}

// forgetItem clears the running mark and any step-entry timestamps an item
// abandoned on failure. An item that failed before its first enter event
// never marked itself running, so the gauge stays balanced.
func (t *PrometheusTap) forgetItem(item itemKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[item]; ok {
		delete(t.running, item)
		t.itemsRunning.Dec()
	}
	for key := range t.entered {
		if key.request == item.request && key.item == item.item {
			delete(t.entered, key)
		}
	}
}
