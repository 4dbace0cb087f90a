package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunIdentifiers(t *testing.T) {
	ctx := context.Background()

	_, ok := SessionID(ctx)
	assert.False(t, ok)

	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithAnalysisID(ctx, "an-1")
	ctx = WithThreadID(ctx, "thread-1")

	s, ok := SessionID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", s)

	a, ok := AnalysisID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "an-1", a)

	th, ok := ThreadID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "thread-1", th)

	_, ok = ThreadID(WithThreadID(context.Background(), ""))
	assert.False(t, ok)
}
