// Package grpc exposes a minimal gRPC control surface: health checking and
// reflection over the fabric, grounded on the teacher's
// infra/server/grpc/interceptors/stream_auth.go interceptor-wrapping shape
// (stream/unary middleware built around grpc.ServerOption chaining).
package grpc

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewServer constructs the gRPC server and its health service, reporting
// SERVING immediately — the fabric itself has no gRPC-native operations
// (the operation table is served over control/http); this surface exists
// so external orchestration (k8s readiness probes, service mesh health
// checks) has a uniform gRPC endpoint regardless of which control surface
// a deployment standardizes on.
func NewServer() (*grpc.Server, *health.Server) {
	healthSrv := health.NewServer()

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(), recoveryUnaryInterceptor()),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(), recoveryStreamInterceptor()),
	)

	healthpb.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return srv, healthSrv
}

// Listen starts serving srv on addr; the caller runs it in its own
// goroutine and stops it via srv.GracefulStop on shutdown.
func Listen(srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.Serve(lis)
}
