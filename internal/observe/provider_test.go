package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProvider_ServesMetrics(t *testing.T) {
	t.Parallel()

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", SkipGlobal: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics.Utterances.Add(context.Background(), 3)
	tel.Metrics.RecordFrame(context.Background(), "ab12", FrameTalking)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"lipsync_utterances_total",
		`kind="talking"`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInitProvider_ExportsSpans(t *testing.T) {
	t.Parallel()

	exp := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{TraceExporter: exp, SkipGlobal: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := tel.Tracer.Tracer("test").Start(context.Background(), SpanSynthesize)
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := len(exp.GetSpans()); got != 1 {
		t.Errorf("exported %d spans, want 1", got)
	}
}
