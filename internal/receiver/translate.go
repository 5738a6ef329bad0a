// Package receiver implements OTLP HTTP and gRPC log endpoints feeding
// the ingestion pipeline.
package receiver

import (
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// Resource and record attribute keys recognized during translation.
const (
	attrServiceName      = "service.name"
	attrLogSource        = "log.source"
	attrExceptionType    = "exception.type"
	attrExceptionMessage = "exception.message"
	attrExceptionStack   = "exception.stacktrace"
)

const defaultLogSource = "otlp"

// translate flattens OTLP resource logs into ingestion events. Records
// without a resolvable service are kept with an empty service id and
// rejected downstream by validation, so counts stay honest.
func translate(resourceLogs []*logspb.ResourceLogs) []models.LogEvent {
	var events []models.LogEvent

	for _, rl := range resourceLogs {
		serviceID := ""
		logSource := defaultLogSource
		if rl.Resource != nil {
			for _, attr := range rl.Resource.Attributes {
				switch attr.Key {
				case attrServiceName:
					serviceID = attr.Value.GetStringValue()
				case attrLogSource:
					if v := attr.Value.GetStringValue(); v != "" {
						logSource = v
					}
				}
			}
		}

		for _, sl := range rl.ScopeLogs {
			scopeName := ""
			if sl.Scope != nil {
				scopeName = sl.Scope.Name
			}

			for _, record := range sl.LogRecords {
				events = append(events, translateRecord(record, serviceID, logSource, scopeName))
			}
		}
	}
	return events
}

func translateRecord(record *logspb.LogRecord, serviceID, logSource, scopeName string) models.LogEvent {
	event := models.LogEvent{
		Timestamp: recordTime(record),
		Level:     severityText(record),
		Logger:    scopeName,
		Message:   anyValueString(record.Body),
		ServiceID: serviceID,
		LogSource: logSource,
	}

	for _, attr := range record.Attributes {
		switch attr.Key {
		case attrExceptionType:
			event.ExceptionType = attr.Value.GetStringValue()
		case attrExceptionMessage:
			event.ExceptionMessage = attr.Value.GetStringValue()
		case attrExceptionStack:
			event.StackTrace = attr.Value.GetStringValue()
		}
	}
	return event
}

func recordTime(record *logspb.LogRecord) time.Time {
	nanos := record.TimeUnixNano
	if nanos == 0 {
		nanos = record.ObservedTimeUnixNano
	}
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(nanos)).UTC()
}

// severityText prefers the shipper's text, mapping the numeric range
// when only the number is present.
func severityText(record *logspb.LogRecord) string {
	if record.SeverityText != "" {
		return record.SeverityText
	}

	n := record.SeverityNumber
	switch {
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_FATAL:
		return "FATAL"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_ERROR:
		return "ERROR"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_WARN:
		return "WARN"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_INFO:
		return "INFO"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG:
		return "DEBUG"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_TRACE:
		return "TRACE"
	}
	return ""
}

func anyValueString(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	if s := v.GetStringValue(); s != "" {
		return s
	}
	return ""
}
