// Integration tests for the engine's gRPC health surface.
package server

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/arbor/internal/logger"
	"github.com/nainya/arbor/internal/metrics"
	"github.com/nainya/arbor/pkg/storage"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*Server, grpc_health_v1.HealthClient, func()) {
	dbPath := "/tmp/test_arbor_" + time.Now().Format("20060102150405.000000") + ".db"

	db, err := storage.Open(dbPath, storage.Options{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	srv := New(db, metrics.NewMetrics(), logger.GetGlobalLogger())

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer()
	srv.Register(grpcServer)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(bufDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}

	client := grpc_health_v1.NewHealthClient(conn)

	cleanup := func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
		db.Close()
		os.Remove(dbPath)
	}

	return srv, client, cleanup
}

func TestHealthCheckServing(t *testing.T) {
	_, client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "arbor.Engine"})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %s", resp.Status)
	}
}

func TestHealthCheckAfterClose(t *testing.T) {
	srv, client, cleanup := setupTestServer(t)
	defer cleanup()

	srv.db.Close()
	srv.setServingStatus()

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "arbor.Engine"})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING after close, got %s", resp.Status)
	}
}

func TestStatsReflectsOpenDB(t *testing.T) {
	srv, _, cleanup := setupTestServer(t)
	defer cleanup()

	stats := srv.Stats()
	if stats.Uptime < 0 {
		t.Errorf("expected non-negative uptime, got %v", stats.Uptime)
	}
	if stats.MaxPageId < 4 {
		t.Errorf("expected a fresh DB to report its 4 bootstrap pages, got max page id %d", stats.MaxPageId)
	}
}
