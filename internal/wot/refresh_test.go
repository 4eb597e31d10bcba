package wot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refreshFixture(t *testing.T) (*Cache, *fakeSource, *Builder) {
	t.Helper()
	src := newFakeSource()
	src.follow(pk(1), 1, pk(2), pk(3))
	src.follow(pk(2), 1, pk(4))
	b := NewBuilder(src, DefaultBuilderConfig(), quietLogger())
	return NewCache(newSQLite(t), nil, quietLogger()), src, b
}

func TestRefreshBuildsAndCaches(t *testing.T) {
	c, src, b := refreshFixture(t)

	g, cached, err := Refresh(context.Background(), c, b, pk(1), time.Hour, false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 4, g.Size())
	calls := src.calls

	g2, cached, err := Refresh(context.Background(), c, b, pk(1), time.Hour, false)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, g.Size(), g2.Size())
	assert.Equal(t, calls, src.calls, "cached graph must not hit the source")
}

func TestRefreshForceRebuilds(t *testing.T) {
	c, src, b := refreshFixture(t)
	_, _, err := Refresh(context.Background(), c, b, pk(1), time.Hour, false)
	require.NoError(t, err)
	calls := src.calls

	_, cached, err := Refresh(context.Background(), c, b, pk(1), time.Hour, true)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Greater(t, src.calls, calls)
}

func TestRefreshCancelledNotCached(t *testing.T) {
	c, _, b := refreshFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g, _, err := Refresh(ctx, c, b, pk(1), time.Hour, false)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, g)
	assert.Nil(t, c.Load(pk(1)))
}

func TestRefreshWithoutCache(t *testing.T) {
	_, _, b := refreshFixture(t)
	g, cached, err := Refresh(context.Background(), nil, b, pk(1), time.Hour, false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.True(t, g.Contains(pk(4)))
}
