// Package health reports readiness of the server's dependencies through the
// standard gRPC health service.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/notesfed/internal/logger"
)

// Check tests one dependency. A nil error means it is usable.
type Check func(ctx context.Context) error

const checkTimeout = 5 * time.Second

// Monitor runs checks periodically and publishes their outcome per service
// name. The overall status "" is SERVING only while every check passes.
type Monitor struct {
	server   *health.Server
	interval time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	checks map[string]Check
	last   map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewMonitor(server *health.Server, interval time.Duration, logger *logger.Logger) *Monitor {
	return &Monitor{
		server:   server,
		interval: interval,
		logger:   logger,
		checks:   make(map[string]Check),
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Add registers check under service. It is first run by the next CheckOnce.
func (m *Monitor) Add(service string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[service] = check
	m.server.SetServingStatus(service, healthpb.HealthCheckResponse_UNKNOWN)
}

// CheckOnce runs every check and updates the health server.
func (m *Monitor) CheckOnce(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	services := make([]string, 0, len(m.checks))
	for name := range m.checks {
		services = append(services, name)
	}
	sort.Strings(services)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range services {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := m.checks[name](checkCtx)
		cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if prev, ok := m.last[name]; !ok || prev != st {
			m.logger.Info("health status changed", "service", name, "status", st.String(), "error", err)
		}
		m.last[name] = st
		m.server.SetServingStatus(name, st)
	}
	m.server.SetServingStatus("", overall)
}

// Run checks on every interval until ctx is done, then marks all services
// NOT_SERVING so clients drain before shutdown.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}
