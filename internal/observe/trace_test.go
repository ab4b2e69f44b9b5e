package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func inMemoryTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	t.Run("empty without a span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID(background) = %q, want empty", got)
		}
	})

	t.Run("hex trace ID with a span", func(t *testing.T) {
		tp, _ := inMemoryTracer(t)
		ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
		defer span.End()

		cid := CorrelationID(ctx)
		if len(cid) != 32 {
			t.Fatalf("correlation ID length = %d, want 32", len(cid))
		}
		if strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q contains non-hex characters", cid)
		}
	})

	t.Run("distinct per span", func(t *testing.T) {
		tp, _ := inMemoryTracer(t)
		tracer := tp.Tracer("test")

		ids := make(map[string]struct{}, 100)
		for range 100 {
			ctx, span := tracer.Start(context.Background(), "unique-test")
			cid := CorrelationID(ctx)
			span.End()
			if _, dup := ids[cid]; dup {
				t.Fatalf("duplicate correlation ID: %s", cid)
			}
			ids[cid] = struct{}{}
		}
	})
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := inMemoryTracer(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSpan(context.Background(), "test-op")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not produce a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "test-op" {
		t.Fatalf("recorded spans = %v, want one named test-op", spans)
	}
}

func TestLogger(t *testing.T) {
	capture := func(t *testing.T, ctx context.Context) string {
		t.Helper()
		var sb strings.Builder
		orig := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(&sb, nil)))
		t.Cleanup(func() { slog.SetDefault(orig) })

		Logger(ctx).Info("test message")
		return sb.String()
	}

	t.Run("with a span carries trace and span IDs", func(t *testing.T) {
		tp, _ := inMemoryTracer(t)
		ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
		defer span.End()

		out := capture(t, ctx)
		if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
			t.Errorf("log output missing trace/span IDs: %s", out)
		}
	})

	t.Run("without a span stays plain", func(t *testing.T) {
		out := capture(t, context.Background())
		if strings.Contains(out, "trace_id") {
			t.Errorf("log output should not carry trace_id: %s", out)
		}
	})
}

func TestTracer_ReturnsValidTracer(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
