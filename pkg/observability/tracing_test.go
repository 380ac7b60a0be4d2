package observability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansAreExported(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := install(Config{ServiceName: "tdbridge-test"}, exporter)
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	ctx, parent := StartSpan(context.Background(), "transfer", attribute.String("run_id", "r1"))
	_, child := StartSpan(ctx, "load")
	EndSpan(child, errors.New("copy failed"))
	EndSpan(parent, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "load", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, "transfer", spans[1].Name)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
	assert.Contains(t, spans[1].Attributes, attribute.String("run_id", "r1"))
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Init(Config{Output: path, ServiceVersion: "test"})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "dump")
	EndSpan(span, nil)
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Name":"dump"`)
}

func TestInitBadOutput(t *testing.T) {
	_, err := Init(Config{Output: filepath.Join(t.TempDir(), "missing", "spans.json")})
	assert.Error(t, err)
}
