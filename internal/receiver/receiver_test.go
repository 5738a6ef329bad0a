package receiver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/fidde/exception_clusterer/pkg/models"
)

type captureProcessor struct {
	events []models.LogEvent
}

func (c *captureProcessor) ProcessBatch(ctx context.Context, events []models.LogEvent) models.IngestResult {
	c.events = append(c.events, events...)
	var result models.IngestResult
	for i := range events {
		if events[i].Validate() != nil {
			result.Rejected++
		} else {
			result.Accepted++
		}
	}
	return result
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func sampleRequest() *collogspb.ExportLogsServiceRequest {
	now := uint64(time.Now().UnixNano())
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{
					strAttr("service.name", "checkout"),
					strAttr("log.source", "fluentbit"),
				},
			},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope: &commonpb.InstrumentationScope{Name: "com.shop.cart"},
				LogRecords: []*logspb.LogRecord{
					{
						TimeUnixNano: now,
						SeverityText: "ERROR",
						Body:         &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "cart load failed"}},
						Attributes: []*commonpb.KeyValue{
							strAttr("exception.type", "java.lang.NullPointerException"),
							strAttr("exception.message", "user is null"),
							strAttr("exception.stacktrace", "at com.shop.cart.CartService.load(CartService.java:42)"),
						},
					},
					{
						TimeUnixNano:   now,
						SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
						Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "slow query"}},
					},
				},
			}},
		}},
	}
}

func TestTranslate(t *testing.T) {
	events := translate(sampleRequest().ResourceLogs)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	first := events[0]
	if first.ServiceID != "checkout" || first.LogSource != "fluentbit" {
		t.Errorf("resource attrs not applied: %+v", first)
	}
	if first.Logger != "com.shop.cart" {
		t.Errorf("logger = %q", first.Logger)
	}
	if first.ExceptionType != "java.lang.NullPointerException" {
		t.Errorf("exception type = %q", first.ExceptionType)
	}
	if first.ExceptionMessage != "user is null" || first.StackTrace == "" {
		t.Errorf("exception fields missing: %+v", first)
	}
	if first.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	// Severity number mapping when no text is present.
	if events[1].Level != "WARN" {
		t.Errorf("mapped level = %q, want WARN", events[1].Level)
	}
}

func TestTranslateMissingService(t *testing.T) {
	req := sampleRequest()
	req.ResourceLogs[0].Resource = nil

	events := translate(req.ResourceLogs)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].ServiceID != "" {
		t.Errorf("service id = %q, want empty", events[0].ServiceID)
	}
	if events[0].LogSource != defaultLogSource {
		t.Errorf("log source = %q", events[0].LogSource)
	}
}

func TestHTTPExport(t *testing.T) {
	processor := &captureProcessor{}
	r := NewHTTPReceiver("127.0.0.1:0", processor, nil)

	body, err := proto.Marshal(sampleRequest())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-protobuf")
	rec := httptest.NewRecorder()
	r.handleLogs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(processor.events) != 2 {
		t.Errorf("processor saw %d events, want 2", len(processor.events))
	}

	var resp collogspb.ExportLogsServiceResponse
	if err := proto.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.PartialSuccess != nil {
		t.Errorf("unexpected partial success: %+v", resp.PartialSuccess)
	}
}

func TestHTTPExportRejectsGarbage(t *testing.T) {
	r := NewHTTPReceiver("127.0.0.1:0", &captureProcessor{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader([]byte("{not json, not proto")))
	rec := httptest.NewRecorder()
	r.handleLogs(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGRPCExportPartialSuccess(t *testing.T) {
	processor := &captureProcessor{}
	r := NewGRPCReceiver("127.0.0.1:0", processor, nil)

	req := sampleRequest()
	req.ResourceLogs[0].Resource = nil // no service.name: both records rejected

	resp, err := r.Export(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.PartialSuccess == nil || resp.PartialSuccess.RejectedLogRecords != 2 {
		t.Errorf("partial success = %+v, want 2 rejected", resp.PartialSuccess)
	}
}
