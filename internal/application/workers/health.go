package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor samples the pool on an interval, exports the worker
// gauges and tracks how long the pool has been saturated.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu             sync.Mutex
	saturatedSince time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// HealthStatus is a snapshot of the worker pool
type HealthStatus struct {
	TotalWorkers   int        `json:"total_workers"`
	IdleWorkers    int        `json:"idle_workers"`
	BusyWorkers    int        `json:"busy_workers"`
	StoppedWorkers int        `json:"stopped_workers"`
	Healthy        bool       `json:"healthy"`
	SaturatedSince *time.Time `json:"saturated_since,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Saturated reports whether every worker is running a stage
func (s *HealthStatus) Saturated() bool {
	return s.TotalWorkers > 0 && s.BusyWorkers == s.TotalWorkers
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins periodic sampling. Calling it again has no effect.
func (h *HealthMonitor) Start() {
	h.startOnce.Do(func() { go h.loop() })
}

// Stop ends sampling
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *HealthMonitor) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

// sample records the pool gauges and logs state changes worth attention
func (h *HealthMonitor) sample() {
	status := h.GetStatus()

	if h.pool.metrics != nil {
		h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
	}

	switch {
	case !status.Healthy:
		h.logger.Warn("worker pool is unhealthy",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("total", status.TotalWorkers))
	case status.Saturated():
		// Long alignments keep every worker busy; stages wait in Submit.
		h.logger.Info("worker pool saturated",
			zap.Int("workers", status.TotalWorkers),
			zap.Duration("for", status.Timestamp.Sub(*status.SaturatedSince)))
	default:
		h.logger.Debug("worker pool health check",
			zap.Int("idle", status.IdleWorkers),
			zap.Int("busy", status.BusyWorkers))
	}
}

// GetStatus returns the current health status. The pool is healthy while
// it has workers and none of them has stopped.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	now := time.Now()
	status := &HealthStatus{Timestamp: now}
	for _, ws := range h.pool.GetStatus() {
		status.TotalWorkers++
		switch ws {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}
	status.Healthy = status.TotalWorkers > 0 && status.StoppedWorkers == 0

	h.mu.Lock()
	defer h.mu.Unlock()
	if !status.Saturated() {
		h.saturatedSince = time.Time{}
		return status
	}
	if h.saturatedSince.IsZero() {
		h.saturatedSince = now
	}
	since := h.saturatedSince
	status.SaturatedSince = &since
	return status
}

// IsHealthy reports whether the pool can still accept stages
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
