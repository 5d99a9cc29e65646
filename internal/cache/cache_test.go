package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New[string]("test", 2, time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry is evicted past capacity")
	v, ok := c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, 2, c.Len())

	c.Delete("c")
	_, ok = c.Get("c")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New[int]("expiry", 8, 30*time.Millisecond)
	c.Set("k", 1)

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestGetOrLoadSharesConcurrentLoads(t *testing.T) {
	c := New[string]("load", 8, time.Minute)
	var calls int32
	release := make(chan struct{})

	load := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "articles", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "tech", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "articles", r)
	}

	// served from cache now
	_, err := c.GetOrLoad(context.Background(), "tech", load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string]("errors", 8, time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGetOrLoadHonorsCancellation(t *testing.T) {
	c := New[string]("cancel", 8, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetOrLoad(ctx, "slow", func(context.Context) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetOrLoadCancelsAbandonedLoad(t *testing.T) {
	c := New[string]("abandon", 8, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	aborted := make(chan struct{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetOrLoad(ctx, "page", func(lctx context.Context) (string, error) {
		select {
		case <-lctx.Done():
			close(aborted)
			return "", lctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-aborted:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("load kept running after its only caller left")
	}
	_, ok := c.Get("page")
	assert.False(t, ok)

	// a later caller starts a fresh load
	v, err := c.GetOrLoad(context.Background(), "page", func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestGetOrLoadKeepsLoadWhileCallersRemain(t *testing.T) {
	c := New[string]("shared", 8, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})
	var loadErr error

	load := func(lctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "content", nil
		case <-lctx.Done():
			loadErr = lctx.Err()
			return "", lctx.Err()
		}
	}

	leaving, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(leaving, "url", load)
		done <- err
	}()
	<-started

	staying := make(chan string, 1)
	go func() {
		v, _ := c.GetOrLoad(context.Background(), "url", load)
		staying <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.Equal(t, "content", <-staying)
	assert.NoError(t, loadErr)

	v, ok := c.Get("url")
	assert.True(t, ok)
	assert.Equal(t, "content", v)
}

func TestGetOrLoadKeepsCallerDeadline(t *testing.T) {
	c := New[string]("deadline", 8, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	want, _ := ctx.Deadline()

	_, err := c.GetOrLoad(ctx, "k", func(lctx context.Context) (string, error) {
		got, ok := lctx.Deadline()
		assert.True(t, ok)
		assert.Equal(t, want, got)
		return "v", nil
	})
	require.NoError(t, err)
}
