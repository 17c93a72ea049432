package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wa_manager/internal/config"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Subsystem names one sampled area of the process
type Subsystem string

const (
	SubsystemSystem    Subsystem = "system"
	SubsystemDatabase  Subsystem = "database"
	SubsystemCache     Subsystem = "cache"
	SubsystemMessaging Subsystem = "messaging"
)

const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
)

const defaultSampleTimeout = 10 * time.Second

// Sampler collects one set of metrics
type Sampler interface {
	Sample(ctx context.Context) (map[string]float64, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (map[string]float64, error)

func (f SamplerFunc) Sample(ctx context.Context) (map[string]float64, error) {
	return f(ctx)
}

// Snapshot is the latest sample of one subsystem. Snapshots of different
// subsystems are taken at different times.
type Snapshot struct {
	Subsystem Subsystem          `json:"subsystem"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Comparison is the direction in which a rule threshold is breached
type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

// Rule raises an alert when a sampled metric crosses its threshold
type Rule struct {
	Subsystem Subsystem
	Metric    string
	Op        Comparison
	Threshold float64
	AlertType string
}

func (r Rule) breached(v float64) bool {
	switch r.Op {
	case Above:
		return v > r.Threshold
	case Below:
		return v < r.Threshold
	}
	return false
}

// DefaultRules are the alert thresholds taken from the health config
func DefaultRules(cfg config.HealthConfig) []Rule {
	return []Rule{
		{Subsystem: SubsystemSystem, Metric: "cpu_percent", Op: Above, Threshold: cfg.CPUThreshold, AlertType: "high_cpu"},
		{Subsystem: SubsystemSystem, Metric: "memory_percent", Op: Above, Threshold: cfg.MemoryThreshold, AlertType: "high_memory"},
		{Subsystem: SubsystemDatabase, Metric: "latency_ms", Op: Above, Threshold: cfg.DBLatencyMillis, AlertType: "slow_database"},
		{Subsystem: SubsystemCache, Metric: "queue_length", Op: Above, Threshold: cfg.QueueThreshold, AlertType: "queue_backlog"},
		{Subsystem: SubsystemMessaging, Metric: "success_rate", Op: Below, Threshold: cfg.SuccessThreshold, AlertType: "low_success_rate"},
	}
}

type probe struct {
	subsystem Subsystem
	interval  time.Duration
	sampler   Sampler
}

// Report is the read model of the monitor
type Report struct {
	Status    string     `json:"status"`
	Snapshots []Snapshot `json:"snapshots"`
	Alerts    []Alert    `json:"alerts"`
	CheckedAt time.Time  `json:"checked_at"`
}

// Monitor runs every registered sampler on its own schedule and keeps the
// latest snapshot per subsystem plus a bounded alert log. It only observes.
type Monitor struct {
	timeout time.Duration
	window  time.Duration
	alerts  *AlertLog
	metrics *monitorMetrics
	log     *zap.Logger

	mu        sync.RWMutex
	probes    []probe
	rules     []Rule
	snapshots map[Subsystem]Snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor with cfg's sample timeout, alert capacity and healthy window
func NewMonitor(cfg config.HealthConfig, reg prometheus.Registerer, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.SampleTimeout
	if timeout <= 0 {
		timeout = defaultSampleTimeout
	}
	window := cfg.HealthyWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Monitor{
		timeout:   timeout,
		window:    window,
		alerts:    NewAlertLog(cfg.AlertCapacity),
		metrics:   newMonitorMetrics(reg),
		log:       log.Named("health"),
		snapshots: make(map[Subsystem]Snapshot),
	}
}

// Register adds a sampler. It must be called before Start.
func (m *Monitor) Register(subsystem Subsystem, interval time.Duration, sampler Sampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, probe{subsystem: subsystem, interval: interval, sampler: sampler})
}

// AddRules appends alert rules
func (m *Monitor) AddRules(rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rules...)
}

// Start launches one loop per sampler. Each loop samples immediately and then
// on its own ticker.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	probes := append([]probe(nil), m.probes...)
	m.mu.Unlock()

	for _, p := range probes {
		m.wg.Add(1)
		go m.loop(ctx, p)
	}
	m.log.Info("health monitor started", zap.Int("samplers", len(probes)))
}

// Stop cancels every loop and waits for them to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, p probe) {
	defer m.wg.Done()
	interval := p.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.run(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.run(ctx, p)
		}
	}
}

type sampleResult struct {
	values map[string]float64
	err    error
}

// run takes one sample bounded by the sample timeout. A sampler that ignores
// its context is abandoned; its late result is discarded.
func (m *Monitor) run(ctx context.Context, p probe) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan sampleResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sampleResult{err: fmt.Errorf("sampler panicked: %v", r)}
			}
		}()
		values, err := p.sampler.Sample(ctx)
		done <- sampleResult{values: values, err: err}
	}()

	var res sampleResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("sample timed out after %s: %w", m.timeout, ctx.Err())
	}

	snap := Snapshot{Subsystem: p.subsystem, Timestamp: time.Now()}
	if res.err != nil {
		snap.Error = res.err.Error()
	} else {
		snap.Metrics = res.values
	}
	m.store(snap)
	m.metrics.observe(snap, time.Since(start))
	m.evaluate(snap)
	return snap
}

func (m *Monitor) store(s Snapshot) {
	m.mu.Lock()
	m.snapshots[s.Subsystem] = s
	m.mu.Unlock()
}

func (m *Monitor) evaluate(s Snapshot) {
	if s.Error != "" {
		m.raise(Alert{
			Type:      string(s.Subsystem) + "_unavailable",
			Subsystem: s.Subsystem,
			Message:   fmt.Sprintf("%s sampler failed: %s", s.Subsystem, s.Error),
			Timestamp: s.Timestamp,
		})
		return
	}

	m.mu.RLock()
	rules := append([]Rule(nil), m.rules...)
	m.mu.RUnlock()

	for _, r := range rules {
		if r.Subsystem != s.Subsystem {
			continue
		}
		v, ok := s.Metrics[r.Metric]
		if !ok || !r.breached(v) {
			continue
		}
		m.raise(Alert{
			Type:      r.AlertType,
			Subsystem: s.Subsystem,
			Message:   fmt.Sprintf("%s %s is %.2f, %s threshold %.2f", s.Subsystem, r.Metric, v, r.Op, r.Threshold),
			Timestamp: s.Timestamp,
		})
	}
}

func (m *Monitor) raise(a Alert) {
	a = m.alerts.Add(a)
	m.metrics.incAlert(a.Type)
	m.log.Warn("health alert",
		zap.String("type", a.Type),
		zap.String("subsystem", string(a.Subsystem)),
		zap.String("message", a.Message))
}

// SampleNow runs the sampler of subsystem once, outside its schedule
func (m *Monitor) SampleNow(ctx context.Context, subsystem Subsystem) (Snapshot, bool) {
	m.mu.RLock()
	var target *probe
	for i := range m.probes {
		if m.probes[i].subsystem == subsystem {
			p := m.probes[i]
			target = &p
			break
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return Snapshot{}, false
	}
	return m.run(ctx, *target), true
}

// Snapshot returns the latest snapshot of one subsystem
func (m *Monitor) Snapshot(subsystem Subsystem) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[subsystem]
	return s, ok
}

// Snapshots returns the latest snapshot of every subsystem sampled so far
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Subsystem < out[j].Subsystem })
	return out
}

// Alerts returns up to limit alerts, newest first
func (m *Monitor) Alerts(limit int) []Alert {
	return m.alerts.List(limit)
}

// Status is healthy iff no alert was raised within the healthy window before now
func (m *Monitor) Status(now time.Time) string {
	if m.alerts.RaisedSince(now.Add(-m.window)) {
		return StatusWarning
	}
	return StatusHealthy
}

// Report returns the status, the latest snapshots and the most recent alerts
func (m *Monitor) Report(now time.Time, alertLimit int) Report {
	return Report{
		Status:    m.Status(now),
		Snapshots: m.Snapshots(),
		Alerts:    m.Alerts(alertLimit),
		CheckedAt: now,
	}
}
