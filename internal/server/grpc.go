package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"PerpRisk/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name load balancers probe.
const ServiceName = "perprisk.v1.Risk"

// GatewayHealthPath serves the gRPC health check over HTTP/JSON.
const GatewayHealthPath = "/grpc/healthz"

// GRPCServer exposes the standard gRPC health service, mirroring the HTTP
// readiness probe, and server reflection for grpcurl.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	grpcAddr      string
	healthChecker *observability.HealthChecker
	pollInterval  time.Duration
	logger        zerolog.Logger
}

func NewGRPCServer(grpcAddr string, checker *observability.HealthChecker) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		grpcAddr:      grpcAddr,
		healthChecker: checker,
		pollInterval:  2 * time.Second,
		logger:        observability.NewLogger("grpc"),
	}
}

// SyncHealth sets the serving status from the health checker once.
func (s *GRPCServer) SyncHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.healthChecker.IsReady() && len(s.healthChecker.Check(ctx)) == 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Start serves until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go s.watchHealth(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func (s *GRPCServer) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	last := s.SyncHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st := s.SyncHealth(ctx); st != last {
				s.logger.Info().Str("status", st.String()).Msg("gRPC health changed")
				last = st
			}
		}
	}
}

// DialLocal connects to the gRPC server on grpcAddr; a bare ":port" means
// this host.
func DialLocal(grpcAddr string) (*grpc.ClientConn, error) {
	target := grpcAddr
	if strings.HasPrefix(target, ":") {
		target = "localhost" + target
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial grpc %s: %w", target, err)
	}
	return conn, nil
}

// NewGatewayHandler proxies GatewayHealthPath to the gRPC health service on
// conn: 200 with the JSON response when serving, 503 otherwise.
// ?service= selects the service, default the server as a whole.
func NewGatewayHandler(conn grpc.ClientConnInterface) http.Handler {
	return runtime.NewServeMux(
		runtime.WithHealthEndpointAt(healthpb.NewHealthClient(conn), GatewayHealthPath),
	)
}
