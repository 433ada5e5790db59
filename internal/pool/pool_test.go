package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRotatesRoundRobin(t *testing.T) {
	p := New([]string{"a", "b", "c"})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", h1.Value())

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", h2.Value())

	h1.Release() // "a" goes to the back

	h3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", h3.Value())

	h4, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", h4.Value())
}

func TestAcquireBlocksUntilReleaseOrCancel(t *testing.T) {
	p := New([]string{"only"})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(cancelCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.Release()
	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only", got.Value())
}

func TestAddGrowsRotation(t *testing.T) {
	p := New([]string{"a"})
	p.Add("b")
	assert.Equal(t, 2, p.Len())
}
