package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStart_RecordsErrorKind(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(TracerName)
	p := generic.Principal{TenantID: "t1", UserID: "u1"}

	_, end := Start(context.Background(), tracer, "BatchService.Create", TenantAttr(p))
	end(&generic.TankUnavailableError{VesselID: "fv-1", Status: generic.VesselCleaning})
	_, end = Start(context.Background(), tracer, "BatchService.GetByID")
	end(nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	failed := spans[0]
	assert.Equal(t, "BatchService.Create", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Contains(t, failed.Attributes(), attribute.String("tenant.id", "t1"))
	assert.Contains(t, failed.Attributes(), attribute.String("error.kind", string(generic.KindTankUnavailable)))

	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestSetupTracing_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), Config{})

	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
