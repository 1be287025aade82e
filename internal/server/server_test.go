package server_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/I54m/LFS/internal/observability"
	"github.com/I54m/LFS/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type checker struct {
	err error
}

func (c *checker) CheckArchive(context.Context) error {
	return c.err
}

func setupTestServer(t *testing.T, c *checker) (*server.Server, healthpb.HealthClient) {
	t.Helper()
	metrics, err := observability.InitMetrics()
	require.NoError(t, err)

	srv := server.New(c, metrics.GetServerMetrics(), nil, zap.NewNop())
	lis := bufconn.Listen(bufSize)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthReportsArchiveReachability(t *testing.T) {
	c := &checker{}
	srv, client := setupTestServer(t, c)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, status(t, client, server.ArchiveService))

	require.NoError(t, srv.ProbeArchive(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, server.ArchiveService))

	c.err = errors.New("connection refused")
	assert.Error(t, srv.ProbeArchive(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, server.ArchiveService))
}
