package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/notesfed/internal/testutil"
)

func status(t *testing.T, srv *health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestMonitor_CheckOnce(t *testing.T) {
	srv := health.NewServer()
	m := NewMonitor(srv, time.Minute, testutil.MakeNoopLogger())

	dbErr := errors.New("connection refused")
	m.Add("notesfed.database", func(context.Context) error { return dbErr })
	m.Add("notesfed.federation", func(context.Context) error { return nil })

	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, status(t, srv, "notesfed.database"))

	m.CheckOnce(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, srv, "notesfed.database"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, srv, "notesfed.federation"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, srv, ""))

	dbErr = nil
	m.CheckOnce(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, srv, "notesfed.database"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, srv, ""))
}

func TestMonitor_RunStopsWithContext(t *testing.T) {
	srv := health.NewServer()
	m := NewMonitor(srv, 10*time.Millisecond, testutil.MakeNoopLogger())
	m.Add("notesfed.federation", func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return status(t, srv, "") == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, srv, ""))
}
