package wot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pk(n int) string { return fmt.Sprintf("%064x", n) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu      sync.Mutex
	lists   map[string][]FollowList
	failing map[string]bool
	block   map[string]bool
	calls   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lists:   make(map[string][]FollowList),
		failing: make(map[string]bool),
		block:   make(map[string]bool),
	}
}

func (f *fakeSource) follow(author string, at int64, follows ...string) {
	f.lists[author] = append(f.lists[author], FollowList{
		Author:    author,
		Follows:   follows,
		CreatedAt: time.Unix(at, 0),
	})
}

func (f *fakeSource) FollowLists(ctx context.Context, authors []string) ([]FollowList, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	var out []FollowList
	for _, a := range authors {
		if f.failing[a] {
			return nil, errors.New("relay unavailable")
		}
		if f.block[a] {
			<-ctx.Done()
			return out, ctx.Err()
		}
		out = append(out, f.lists[a]...)
	}
	return out, nil
}

func TestBuildHopDistances(t *testing.T) {
	root, a, b, c, d := pk(1), pk(2), pk(3), pk(4), pk(5)
	src := newFakeSource()
	src.follow(root, 1, a, b)
	src.follow(a, 1, c, root)
	src.follow(b, 1, c, d)
	src.follow(c, 1, pk(99))

	g, err := NewBuilder(src, BuilderConfig{MaxHops: 2}, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)

	want := map[string]int{root: 0, a: 1, b: 1, c: 2, d: 2}
	require.Equal(t, len(want), g.Size())
	for key, hop := range want {
		require.True(t, g.Contains(key), "missing %s", key[60:])
		assert.Equal(t, hop, g.Nodes[key].HopDistance, "hop of %s", key[60:])
	}
	assert.False(t, g.Contains(pk(99)), "hop 3 node must not be crawled with MaxHops=2")
}

func TestBuildSingleRootAtHopZero(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	src.follow(root, 1, pk(2), pk(3))
	src.follow(pk(2), 1, root, pk(3))

	g, err := NewBuilder(src, BuilderConfig{}, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)

	zero := 0
	for _, n := range g.Nodes {
		if n.HopDistance == 0 {
			zero++
		}
	}
	assert.Equal(t, 1, zero)
	assert.Equal(t, 0, g.Nodes[root].HopDistance)
}

func TestBuildRespectsMaxNodes(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	var follows []string
	for i := 2; i < 40; i++ {
		follows = append(follows, pk(i))
	}
	src.follow(root, 1, follows...)
	for i := 2; i < 40; i++ {
		src.follow(pk(i), 1, pk(100+i), pk(200+i))
	}

	g, err := NewBuilder(src, BuilderConfig{MaxHops: 3, MaxNodes: 25}, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.LessOrEqual(t, g.Size(), 25)
	assert.Equal(t, 25, g.Size())
}

func TestBuildKeepsNewestFollowList(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	src.follow(root, 100, pk(2))
	src.follow(root, 300, pk(3))
	src.follow(root, 200, pk(4))

	g, err := NewBuilder(src, BuilderConfig{MaxHops: 1}, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{pk(3)}, g.Nodes[root].Follows)
	assert.True(t, g.Contains(pk(3)))
	assert.False(t, g.Contains(pk(2)))
}

func TestBuildToleratesFailedBatch(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	src.follow(root, 1, pk(2), pk(3))
	src.follow(pk(2), 1, pk(10))
	src.follow(pk(3), 1, pk(11))
	src.failing[pk(3)] = true

	cfg := BuilderConfig{MaxHops: 2, BatchSize: 1}
	g, err := NewBuilder(src, cfg, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, g.Contains(pk(10)))
	assert.False(t, g.Contains(pk(11)))
	assert.Equal(t, 4, g.Size())
}

func TestBuildHopTimeout(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	src.follow(root, 1, pk(2), pk(3))
	src.follow(pk(2), 1, pk(10))
	src.block[pk(3)] = true

	cfg := BuilderConfig{MaxHops: 2, BatchSize: 1, HopTimeout: 50 * time.Millisecond}
	start := time.Now()
	g, err := NewBuilder(src, cfg, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, g.Contains(pk(10)))
}

func TestBuildCancelledReturnsPartial(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	src.follow(root, 1, pk(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := NewBuilder(src, BuilderConfig{}, quietLogger()).Build(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, g)
	assert.Equal(t, 1, g.Size())
}

func TestBuildEmptyRoot(t *testing.T) {
	_, err := NewBuilder(newFakeSource(), BuilderConfig{}, quietLogger()).Build(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyRoot)
}

func TestBuildMutualFollows(t *testing.T) {
	root, a, b, c, x := pk(1), pk(2), pk(3), pk(4), pk(5)
	src := newFakeSource()
	src.follow(root, 1, a, b, c)
	src.follow(a, 1, x, b, root)
	src.follow(b, 1, x)
	src.follow(c, 1, x, x)

	g, err := NewBuilder(src, BuilderConfig{MaxHops: 2}, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Nodes[x].MutualFollows)
	assert.Equal(t, 1, g.Nodes[b].MutualFollows)
	assert.Equal(t, 0, g.Nodes[root].MutualFollows)
	assert.Equal(t, 3, g.MaxMutualFollows())
}

func TestBuildDeterministic(t *testing.T) {
	root := pk(1)
	src := newFakeSource()
	var follows []string
	for i := 30; i > 1; i-- {
		follows = append(follows, pk(i))
	}
	src.follow(root, 1, follows...)
	for i := 2; i <= 30; i++ {
		src.follow(pk(i), 1, pk(1000+i), pk(2000+i))
	}

	cfg := BuilderConfig{MaxHops: 2, MaxNodes: 45, BatchSize: 4}
	first, err := NewBuilder(src, cfg, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	second, err := NewBuilder(src, cfg, quietLogger()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.ElementsMatch(t, first.sortedPubkeys(), second.sortedPubkeys())
}

func TestChunk(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	got := chunk(keys, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)
	assert.Nil(t, chunk(nil, 2))
}
