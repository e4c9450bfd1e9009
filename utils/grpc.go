package utils

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCRegisterFunc is a type alias for the registration function
type GRPCRegisterFunc[S any] func(grpc.ServiceRegistrar, S)

// StartGRPCServer starts a gRPC server with the given service
func StartGRPCServer[S any](
	port int,
	implementation S,
	registerFunc GRPCRegisterFunc[S],
	opts ...grpc.ServerOption,
) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	logrus.Infof("Server is running on port %d", port)
	return ServeGRPC(lis, implementation, registerFunc, opts...)
}

// ServeGRPC registers the service next to health and reflection and serves
// lis until it is closed.
func ServeGRPC[S any](
	lis net.Listener,
	implementation S,
	registerFunc GRPCRegisterFunc[S],
	opts ...grpc.ServerOption,
) error {
	srv := grpc.NewServer(opts...)
	registerFunc(srv, implementation)
	reflection.Register(srv)

	healthcheck := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthcheck)

	healthcheck.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

// LoggingInterceptor logs every unary call with its status code and latency
func LoggingInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		})
		if err != nil {
			entry.Warnf("gRPC call failed: %v", err)
		} else {
			entry.Debug("gRPC call served")
		}
		return resp, err
	}
}
