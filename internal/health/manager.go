// Package health implements periodic status polling of the connected game
// servers and host resource sampling.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crss-project/crss/internal/connector"
	"github.com/crss-project/crss/internal/events"
	"github.com/crss-project/crss/internal/util"
)

// Target is a pollable game server. PollInfo must not displace an info
// query a user is already waiting on.
type Target interface {
	ID() string
	Status() bool
	Version() string
	PollInfo(ctx context.Context) (connector.ServerInfo, error)
}

// Source lists the targets to poll on each round.
type Source func() []Target

// RegistrySource polls every client held by reg.
func RegistrySource(reg *connector.Registry) Source {
	return func() []Target {
		clients := reg.All()
		targets := make([]Target, len(clients))
		for i, c := range clients {
			targets[i] = c
		}
		return targets
	}
}

// PollResult is the outcome of the latest poll of one server.
type PollResult struct {
	ServerID string                `json:"server_id"`
	Status   bool                  `json:"status"`
	Version  string                `json:"version"`
	Info     *connector.ServerInfo `json:"info,omitempty"`
	Error    string                `json:"error,omitempty"`
	At       time.Time             `json:"at"`
}

// Manager runs periodic checks: a status poll of every game server and a
// host resource sample.
type Manager struct {
	source       Source
	eventBus     *events.EventBus
	pollInterval time.Duration
	pollTimeout  time.Duration

	mu        sync.RWMutex
	results   map[string]PollResult
	resources util.ResourceUsage
}

// NewManager creates a new health check manager.
func NewManager(source Source, eventBus *events.EventBus, pollInterval, pollTimeout time.Duration) *Manager {
	return &Manager{
		source:       source,
		eventBus:     eventBus,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		results:      make(map[string]PollResult),
	}
}

// Start launches all check goroutines and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"status_poll", m.pollInterval, m.PollOnce},
		{"resource_usage", time.Minute, m.sampleResources},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// PollOnce queries every connected target for its info, records the result
// and publishes EventServerInfo on success. Disconnected targets are
// recorded without a query.
func (m *Manager) PollOnce(ctx context.Context) {
	targets := m.source()

	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.pollTarget(ctx, t)
		}()
	}
	wg.Wait()
}

func (m *Manager) pollTarget(ctx context.Context, t Target) {
	res := PollResult{
		ServerID: t.ID(),
		Status:   t.Status(),
		Version:  t.Version(),
		At:       time.Now(),
	}

	if res.Status {
		qctx, cancel := context.WithTimeout(ctx, m.pollTimeout)
		info, err := t.PollInfo(qctx)
		cancel()

		if err != nil {
			res.Error = err.Error()
			log.Warn().Err(err).Str("server", res.ServerID).Msg("status poll failed")
		} else {
			res.Info = &info
			m.eventBus.Emit(ctx, events.Event{
				Type:   events.EventServerInfo,
				Source: "health_check",
				Payload: events.InfoPayload{
					ServerID: res.ServerID,
					Info:     info,
				},
			})
		}
	}

	m.mu.Lock()
	m.results[res.ServerID] = res
	m.mu.Unlock()
}

func (m *Manager) sampleResources(ctx context.Context) {
	usage, err := util.GetResourceUsage()
	if err != nil {
		log.Warn().Err(err).Msg("resource sample failed")
		return
	}

	m.mu.Lock()
	m.resources = usage
	m.mu.Unlock()

	log.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Uint64("memory_used_mb", usage.MemoryUsedMB).
		Msg("resource usage sampled")
}

// Results returns the latest poll result of every server, sorted by id.
func (m *Manager) Results() []PollResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PollResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Resources returns the latest host resource sample.
func (m *Manager) Resources() util.ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources
}
