package server

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// gRPC health service names. The empty name is the overall status.
const (
	healthServiceRecords = "records"
	healthServiceBlobs   = "blobs"
)

// healthServer answers grpc.health.v1.Health/Check from Directory.HealthCheck.
type healthServer struct {
	healthpb.UnimplementedHealthServer
	directory *Directory
}

func newHealthServer(directory *Directory) *healthServer {
	return &healthServer{directory: directory}
}

// Check asks the stores on every call.
func (h *healthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	health := h.directory.HealthCheck(ctx)

	var serving bool
	switch req.GetService() {
	case "":
		serving = health.Overall
	case healthServiceRecords:
		serving = health.Database
	case healthServiceBlobs:
		serving = health.Storage
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}

	resp := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}
	if serving {
		resp.Status = healthpb.HealthCheckResponse_SERVING
	}
	return resp, nil
}
