package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/A-TJ/ax-agent-studio/internal/liveness"
)

func TestSyncReflectsLivenessState(t *testing.T) {
	reg := liveness.New("test", nil)
	reg.Register("alive-session", time.Minute, nil)
	reg.Register("dead-session", time.Millisecond, nil)
	reg.Beat("alive-session")

	time.Sleep(5 * time.Millisecond)

	srv := New(reg, zap.NewNop())
	srv.sync()

	aliveResp, err := srv.grpcHealth.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "alive-session"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, aliveResp.Status)

	deadResp, err := srv.grpcHealth.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "dead-session"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, deadResp.Status)

	overallResp, err := srv.grpcHealth.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, overallResp.Status)
}
