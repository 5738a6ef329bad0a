package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// Processor is the ingestion boundary the receivers feed.
type Processor interface {
	ProcessBatch(ctx context.Context, events []models.LogEvent) models.IngestResult
}

// GRPCReceiver handles OTLP gRPC log export requests.
type GRPCReceiver struct {
	collogspb.UnimplementedLogsServiceServer
	processor Processor
	server    *grpc.Server
	addr      string
	logger    *slog.Logger
}

// NewGRPCReceiver creates a gRPC receiver.
func NewGRPCReceiver(addr string, processor Processor, logger *slog.Logger) *GRPCReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCReceiver{
		processor: processor,
		addr:      addr,
		logger:    logger,
	}
}

// Start starts the gRPC server and blocks until shutdown.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	r.server = grpc.NewServer()
	collogspb.RegisterLogsServiceServer(r.server, r)

	// Reflection helps debugging with grpcurl.
	reflection.Register(r.server)

	r.logger.Info("grpc receiver listening", "addr", r.addr)
	return r.server.Serve(lis)
}

// Shutdown gracefully stops the gRPC server.
func (r *GRPCReceiver) Shutdown(ctx context.Context) error {
	if r.server != nil {
		r.server.GracefulStop()
	}
	return nil
}

// Export implements the LogsService Export RPC.
func (r *GRPCReceiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	result := r.processor.ProcessBatch(ctx, translate(req.ResourceLogs))

	resp := &collogspb.ExportLogsServiceResponse{}
	if result.Rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(result.Rejected),
		}
	}
	return resp, nil
}
