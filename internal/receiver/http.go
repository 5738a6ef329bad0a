package receiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// HTTPReceiver handles OTLP/HTTP log export requests.
type HTTPReceiver struct {
	processor Processor
	server    *http.Server
	logger    *slog.Logger
}

// NewHTTPReceiver creates an HTTP receiver.
func NewHTTPReceiver(addr string, processor Processor, logger *slog.Logger) *HTTPReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &HTTPReceiver{
		processor: processor,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/logs", r.handleLogs)

	r.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return r
}

// Start starts the HTTP server and blocks until shutdown.
func (r *HTTPReceiver) Start() error {
	r.logger.Info("http receiver listening", "addr", r.server.Addr)
	return r.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// handleLogs accepts protobuf or JSON encoded export requests,
// optionally gzip compressed.
func (r *HTTPReceiver) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer req.Body.Close()

	reader := io.ReadCloser(req.Body)
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to decompress: %v", err), http.StatusBadRequest)
			return
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusBadRequest)
		return
	}

	// Protobuf is the OTLP default; fall back to JSON.
	var exportReq collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &exportReq); err != nil {
		unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
		if jsonErr := unmarshaler.Unmarshal(body, &exportReq); jsonErr != nil {
			r.logger.Warn("failed to parse logs request", "protobuf_error", err, "json_error", jsonErr)
			http.Error(w, fmt.Sprintf("Failed to parse request: protobuf error: %v, json error: %v", err, jsonErr), http.StatusBadRequest)
			return
		}
	}

	result := r.processor.ProcessBatch(req.Context(), translate(exportReq.ResourceLogs))

	resp := &collogspb.ExportLogsServiceResponse{}
	if result.Rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(result.Rejected),
		}
	}
	r.writeResponse(w, resp)
}

// writeResponse writes a protobuf response; OTLP responses are always
// protobuf.
func (r *HTTPReceiver) writeResponse(w http.ResponseWriter, resp proto.Message) {
	respBytes, err := proto.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(respBytes))
}
