package correlation

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "abc")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "abc", cid)
	assert.Equal(t, "abc", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	assert.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))

	h := http.Header{}
	InjectIntoHeader(ctx, h)
	assert.Equal(t, cid, h.Get(HeaderCorrelationID))
}

func TestContextWithRemoteSpan(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	sc := trace.SpanContextFromContext(ctx)
	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())

	ctx = ContextWithRemoteSpan(context.Background(), "bad", "bad")
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
