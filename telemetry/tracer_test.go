package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.json")
	shutdown, err := InitTracer(path)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit.span")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unit.span")
}

func TestInitTracerBadPath(t *testing.T) {
	_, err := InitTracer(filepath.Join(t.TempDir(), "missing", "dir", "traces.json"))
	assert.Error(t, err)
}
