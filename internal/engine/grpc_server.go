package engine

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName — имя сервиса в grpc.health.v1 для проб оркестратора.
const HealthServiceName = "webasset.gate.v1.SessionOrchestrator"

// HealthServer — gRPC health для балансировщиков и k8s проб.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func NewHealthServer(logger *zap.Logger) *HealthServer {
	logger = logger.Named("grpc")
	h := health.NewServer()
	srv := grpc.NewServer(grpc.UnaryInterceptor(unaryLoggingInterceptor(logger)))
	healthpb.RegisterHealthServer(srv, h)

	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{srv: srv, health: h, logger: logger}
}

func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server starting", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// SetServing переключает статус оркестратора (NOT_SERVING на время shutdown).
func (s *HealthServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthServiceName, st)
}

// Stop — GracefulStop в пределах ctx, затем жесткий Stop.
func (s *HealthServer) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}

// unaryLoggingInterceptor пишет каждый вызов в debug.
func unaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return resp, err
	}
}
