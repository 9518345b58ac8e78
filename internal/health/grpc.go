package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported by the worker.
const ServiceName = "dispatcher.Worker"

// GRPCServer exposes the standard gRPC health checking protocol.
type GRPCServer struct {
	addr   string
	server *grpc.Server
	health *grpchealth.Server
	lis    net.Listener
}

// NewGRPCServer creates a gRPC health server. Both the overall and the
// worker service start as NOT_SERVING.
func NewGRPCServer(port int) *GRPCServer {
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	return &GRPCServer{
		addr:   fmt.Sprintf(":%d", port),
		server: s,
		health: hs,
	}
}

// Listen binds the listening socket.
func (g *GRPCServer) Listen() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.addr, err)
	}
	g.lis = lis
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (g *GRPCServer) Addr() string {
	if g.lis != nil {
		return g.lis.Addr().String()
	}
	return g.addr
}

// Serve blocks serving requests on the bound listener.
func (g *GRPCServer) Serve() error {
	if g.lis == nil {
		if err := g.Listen(); err != nil {
			return err
		}
	}
	return g.server.Serve(g.lis)
}

// SetServing flips the reported status.
func (g *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	slog.Debug("gRPC health status changed", "status", status.String())
}

// Stop gracefully stops the server. Open Watch streams keep GracefulStop
// waiting, so once ctx is done the remaining connections are closed.
func (g *GRPCServer) Stop(ctx context.Context) {
	g.health.Shutdown()

	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("gRPC health server did not stop in time, closing connections")
		g.server.Stop()
		<-done
	}
}
