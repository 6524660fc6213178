package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newRecordingTracer installs an in-memory tracer provider for the duration
// of the test and returns its exporter.
func newRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func attrMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func spanEvent(t *testing.T, span tracetest.SpanStub, name string) sdktrace.Event {
	t.Helper()
	for _, ev := range span.Events {
		if ev.Name == name {
			return ev
		}
	}
	t.Fatalf("span has no %q event: %#v", name, span.Events)
	return sdktrace.Event{}
}

func TestListMetricsFlush(t *testing.T) {
	exporter := newRecordingTracer(t)
	logger, hook := test.NewNullLogger()

	m, _ := newTaskRequestMetrics(context.Background(), logger)
	m.start = m.start.Add(-25 * time.Millisecond)
	m.ObserveAuth(3 * time.Millisecond)
	m.ObserveFetch(12 * time.Millisecond)
	m.ObserveEncode(2 * time.Millisecond)
	m.SetFiltered(true)
	m.SetTasksReturned(4)

	m.Log(http.StatusOK, nil)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Message != "observability.event" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Data["event.name"] != tasksEventName || entry.Data["event.domain"] != tasksEventDomain {
		t.Fatalf("event identity wrong: %#v", entry.Data)
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity: %v/%v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	if traceID, _ := entry.Data["trace_id"].(string); traceID == "" {
		t.Fatalf("trace_id missing: %#v", entry.Data["trace_id"])
	}
	logged, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not a map: %#v", entry.Data["attributes"])
	}
	if logged["http.route"] != tasksRoute {
		t.Fatalf("route: %#v", logged["http.route"])
	}
	if logged["taskboard.tasks.filtered"] != true {
		t.Fatal("filtered flag lost")
	}
	if n, _ := logged["taskboard.tasks.tasks_returned"].(int64); n != 4 {
		t.Fatalf("tasks_returned: %#v", logged["taskboard.tasks.tasks_returned"])
	}
	for _, key := range []string{"taskboard.tasks.total_ms", "taskboard.tasks.auth_ms", "taskboard.tasks.fetch_ms", "taskboard.tasks.encode_ms"} {
		if ms, _ := logged[key].(float64); ms <= 0 {
			t.Fatalf("%s not recorded: %#v", key, logged[key])
		}
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != tasksSpanName {
		t.Fatalf("span name: %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("span status: %v", span.Status.Code)
	}
	attrs := attrMap(span.Attributes)
	if code, _ := attrs["http.status_code"].(int64); code != http.StatusOK {
		t.Fatalf("http.status_code: %#v", attrs["http.status_code"])
	}
	if _, exists := attrs["taskboard.tasks.error_stage"]; exists {
		t.Fatal("no error stage expected on success")
	}
	evAttrs := attrMap(spanEvent(t, span, "observability.event").Attributes)
	if evAttrs["event.name"] != tasksEventName || evAttrs["severity_text"] != "INFO" {
		t.Fatalf("span event attrs: %#v", evAttrs)
	}
}

func TestListMetricsErrorPath(t *testing.T) {
	exporter := newRecordingTracer(t)
	logger, hook := test.NewNullLogger()

	m, _ := newTaskRequestMetrics(context.Background(), logger)
	m.SetErrorStage("storage")
	boom := errors.New("table throttled")

	m.Log(http.StatusInternalServerError, boom)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error || span.Status.Description != boom.Error() {
		t.Fatalf("span status: %v %q", span.Status.Code, span.Status.Description)
	}
	evAttrs := attrMap(spanEvent(t, span, "observability.event").Attributes)
	if evAttrs["severity_text"] != "ERROR" {
		t.Fatalf("severity: %#v", evAttrs["severity_text"])
	}
	if evAttrs["taskboard.tasks.error_stage"] != "storage" {
		t.Fatalf("error stage: %#v", evAttrs["taskboard.tasks.error_stage"])
	}
	if evAttrs["error.message"] != boom.Error() {
		t.Fatalf("error message: %#v", evAttrs["error.message"])
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["severity_text"] != "ERROR" || entry.Data["severity_number"] != 17 {
		t.Fatalf("log severity wrong: %#v", entry)
	}
}

func TestSeverityForStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		err    error
		text   string
		number int
	}{
		{name: "success", status: http.StatusOK, text: "INFO", number: 9},
		{name: "client error", status: http.StatusUnauthorized, text: "WARN", number: 13},
		{name: "server error", status: http.StatusBadGateway, text: "ERROR", number: 17},
		{name: "error overrides status", status: http.StatusOK, err: errors.New("x"), text: "ERROR", number: 17},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, number := severityForStatus(tc.status, tc.err)
			if text != tc.text || number != tc.number {
				t.Fatalf("got %s/%d, want %s/%d", text, number, tc.text, tc.number)
			}
		})
	}
}
