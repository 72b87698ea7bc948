package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
	"dca_engine/pkg/concurrency"
	"dca_engine/pkg/telemetry"
)

// Registry is the process-wide map of running supervisors, keyed by config
// id. Replacement tears the evictee down on the worker pool so callers
// never block on an old bot's shutdown.
type Registry struct {
	mu          sync.RWMutex
	supervisors map[uuid.UUID]*Supervisor
	pool        *concurrency.WorkerPool
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder
}

func NewRegistry(pool *concurrency.WorkerPool, logger core.ILogger) *Registry {
	return &Registry{
		supervisors: make(map[uuid.UUID]*Supervisor),
		pool:        pool,
		logger:      logger.WithField("component", "bot_registry"),
		metrics:     telemetry.GetGlobalMetrics(),
	}
}

// Add registers a supervisor. An existing entry for the same config is
// replaced and stopped in the background.
func (r *Registry) Add(id uuid.UUID, sup *Supervisor) {
	r.mu.Lock()
	old := r.supervisors[id]
	r.supervisors[id] = sup
	count := len(r.supervisors)
	r.mu.Unlock()

	if old != nil && old != sup {
		r.logger.Info("replacing running supervisor", "config_id", id.String())
		r.stopDetached(old)
	}
	r.metrics.SetActiveBots(int64(count))
}

// Get returns the supervisor for a config, or nil
func (r *Registry) Get(id uuid.UUID) *Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supervisors[id]
}

// Remove unregisters and stops the config's supervisor
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	sup := r.supervisors[id]
	delete(r.supervisors, id)
	count := len(r.supervisors)
	r.mu.Unlock()

	if sup != nil {
		r.stopDetached(sup)
	}
	r.metrics.SetActiveBots(int64(count))
}

// GetAll snapshots the running supervisors
func (r *Registry) GetAll() map[uuid.UUID]*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]*Supervisor, len(r.supervisors))
	for id, sup := range r.supervisors {
		out[id] = sup
	}
	return out
}

// Count returns the number of registered supervisors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.supervisors)
}

// StopAll stops every supervisor concurrently and clears the map. It
// proceeds when the timeout expires even if some bots are still draining.
func (r *Registry) StopAll(timeout time.Duration) {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.supervisors = make(map[uuid.UUID]*Supervisor)
	r.mu.Unlock()

	if len(sups) == 0 {
		r.metrics.SetActiveBots(0)
		return
	}
	r.logger.Info("stopping all supervisors", "count", len(sups))

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		s := sup
		task := func() {
			defer wg.Done()
			s.Stop()
		}
		if r.pool != nil {
			if err := r.pool.Submit(task); err != nil {
				go task()
			}
		} else {
			go task()
		}
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(timeout):
		r.logger.Warn("stop-all timed out, proceeding with shutdown")
	}
	r.metrics.SetActiveBots(0)
}

func (r *Registry) stopDetached(sup *Supervisor) {
	task := func() { sup.Stop() }
	if r.pool != nil {
		if err := r.pool.Submit(task); err == nil {
			return
		}
	}
	go task()
}
