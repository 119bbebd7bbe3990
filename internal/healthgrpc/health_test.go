package healthgrpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"qazna.org/telemetry/internal/freshness"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *Server) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return healthpb.NewHealthClient(conn)
}

type staticReady struct{ err error }

func (s staticReady) Check(context.Context) error { return s.err }

func TestSyncMapsCheckpointStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	monitor := freshness.NewMonitor(freshness.NewInMemory(), freshness.WithClock(func() time.Time { return now }))
	fresh := now.Add(-time.Minute)
	stale := now.Add(-5 * time.Hour)
	ctx := context.Background()
	if _, err := monitor.Touch(ctx, "ingestion.raw", &fresh, 15, nil); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, err := monitor.Touch(ctx, "export.warehouse", &stale, 15, nil); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	srv := New(monitor, staticReady{})
	if err := srv.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	client := startBufGRPC(t, srv)

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for svc, want := range map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":                 healthpb.HealthCheckResponse_SERVING,
		"ingestion.raw":    healthpb.HealthCheckResponse_SERVING,
		"export.warehouse": healthpb.HealthCheckResponse_NOT_SERVING,
	} {
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("Check(%q): %v", svc, err)
		}
		if resp.GetStatus() != want {
			t.Fatalf("Check(%q) = %v, want %v", svc, resp.GetStatus(), want)
		}
	}
}

func TestSyncReportsNotReady(t *testing.T) {
	srv := New(freshness.NewMonitor(freshness.NewInMemory()), staticReady{err: errors.New("db down")})
	if err := srv.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	client := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := New(freshness.NewMonitor(freshness.NewInMemory()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
