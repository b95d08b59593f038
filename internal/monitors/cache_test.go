package monitors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmtools/zmagent/internal/zm"
)

type fakeFetcher struct {
	mons    map[string]zm.Monitor
	err     error
	fetches int
}

func (f *fakeFetcher) Monitors(context.Context) ([]zm.Monitor, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]zm.Monitor, 0, len(f.mons))
	for _, m := range f.mons {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeFetcher) GetMonitor(_ context.Context, id string) (*zm.Monitor, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.mons[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &m, nil
}

func TestCacheServesFreshEntryWithoutRefetch(t *testing.T) {
	src := &fakeFetcher{mons: map[string]zm.Monitor{"3": {ID: "3", Name: "Drive", Width: 1920, Height: 1080}}}
	c := NewCache(src, 16, time.Minute)

	first, err := c.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "Drive", first.Name)

	_, err = c.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetches)
}

func TestCacheRefetchesExpiredEntry(t *testing.T) {
	src := &fakeFetcher{mons: map[string]zm.Monitor{"3": {ID: "3", Name: "Drive"}}}
	c := NewCache(src, 16, time.Nanosecond)

	_, err := c.Get(context.Background(), "3")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = c.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, 2, src.fetches)
}

func TestCacheReturnsStaleOnFetchError(t *testing.T) {
	src := &fakeFetcher{mons: map[string]zm.Monitor{"3": {ID: "3", Name: "Drive"}}}
	c := NewCache(src, 16, time.Nanosecond)

	_, err := c.Get(context.Background(), "3")
	require.NoError(t, err)

	src.err = errors.New("nvr down")
	time.Sleep(time.Millisecond)
	got, err := c.Get(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "Drive", got.Name)
}

func TestCacheAllPopulates(t *testing.T) {
	src := &fakeFetcher{mons: map[string]zm.Monitor{
		"1": {ID: "1"}, "2": {ID: "2"},
	}}
	c := NewCache(src, 16, time.Minute)

	mons, err := c.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, mons, 2)

	_, err = c.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetches, "Get after All should hit the cache")
}
