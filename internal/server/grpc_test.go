package server_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startBufconn(t *testing.T, checker *observability.HealthChecker) (*server.GRPCServer, *grpc.ClientConn) {
	t.Helper()
	srv := server.NewGRPCServer("bufconn", checker)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	checker := observability.NewHealthChecker()
	srv, conn := startBufconn(t, checker)
	client := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		return resp.Status
	}

	srv.SyncHealth(context.Background())
	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before ready: got %v", got)
	}

	checker.SetReady(true)
	srv.SyncHealth(context.Background())
	if got := status(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after ready: got %v", got)
	}

	checker.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	srv.SyncHealth(context.Background())
	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("failing dependency: got %v", got)
	}
}

func TestGatewayHealth(t *testing.T) {
	checker := observability.NewHealthChecker()
	srv, conn := startBufconn(t, checker)
	gw := server.NewGatewayHandler(conn)

	get := func(target string) int {
		t.Helper()
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec.Code
	}

	srv.SyncHealth(context.Background())
	if code := get(server.GatewayHealthPath); code != http.StatusServiceUnavailable {
		t.Errorf("not ready: got %d, want 503", code)
	}

	checker.SetReady(true)
	srv.SyncHealth(context.Background())
	if code := get(server.GatewayHealthPath); code != http.StatusOK {
		t.Errorf("ready: got %d, want 200", code)
	}
	if code := get(server.GatewayHealthPath + "?service=" + server.ServiceName); code != http.StatusOK {
		t.Errorf("named service: got %d, want 200", code)
	}
	if code := get(server.GatewayHealthPath + "?service=unknown.Service"); code != http.StatusNotFound {
		t.Errorf("unknown service: got %d, want 404", code)
	}
}
