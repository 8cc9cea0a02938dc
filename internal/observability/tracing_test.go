package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanRecordsErrorAndOK(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	Configure(recorder)

	ctx, span := StartSpan(context.Background(), "invoke", TenantAttr("acme"))
	SetSpanError(span, errors.New("boom"))
	span.End()
	_ = ctx

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("status = %v, want Error", spans[0].Status().Code)
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	Configure(nil)
	ctx, span := StartSpan(context.Background(), "parent")
	defer span.End()

	carrier := MapCarrier{}
	InjectTraceContext(ctx, carrier)
	if len(carrier) == 0 {
		t.Fatal("expected injected trace headers")
	}

	extracted := ExtractTraceContext(context.Background(), carrier)
	if extracted == context.Background() {
		t.Fatal("expected extracted context to differ from background")
	}
}
