package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoneycombSetup_Disabled(t *testing.T) {
	shutdown, err := HoneycombSetup(false, ServiceName, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotPanics(t, shutdown)
}

func TestGlobalTracer(t *testing.T) {
	ctx, span := GlobalTracer.Start(context.Background(), "test.span")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}

func TestEndSpanWithErrCheck(t *testing.T) {
	_, okSpan := GlobalTracer.Start(context.Background(), "test.ok")
	assert.NotPanics(t, func() { EndSpanWithErrCheck(okSpan, nil) })

	_, errSpan := GlobalTracer.Start(context.Background(), "test.err")
	assert.NotPanics(t, func() { EndSpanWithErrCheck(errSpan, errors.New("boom")) })
}
