package gpu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

type fakeResource struct {
	name     string
	released bool
}

func newTestResourceCache(t *testing.T, capacity int, released *[]string, gcCalls *int) *ResourceCache[string, *fakeResource] {
	t.Helper()
	cache, err := NewResourceCache(ResourceCacheConfig[string, *fakeResource]{
		Capacity: capacity,
		Teardown: func(_ context.Context, key string, value *fakeResource) error {
			value.released = true
			*released = append(*released, key)
			return nil
		},
		AfterEvict: func() { *gcCalls++ },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new resource cache: %v", err)
	}
	return cache
}

func loaderFor(name string, loads *int) func(context.Context) (*fakeResource, error) {
	return func(context.Context) (*fakeResource, error) {
		*loads++
		return &fakeResource{name: name}, nil
	}
}

func TestResourceCacheHitDoesNotReload(t *testing.T) {
	t.Parallel()

	var released []string
	var gcCalls, loads int
	cache := newTestResourceCache(t, 2, &released, &gcCalls)
	ctx := context.Background()

	first, err := cache.GetOrLoad(ctx, "a", loaderFor("a", &loads))
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := cache.GetOrLoad(ctx, "a", loaderFor("a", &loads))
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same cached instance")
	}
	if loads != 1 {
		t.Fatalf("expected one load, got %d", loads)
	}
	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Evictions != 0 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestResourceCacheEvictsLeastRecentlyUsedBeforeLoading(t *testing.T) {
	t.Parallel()

	var released []string
	var gcCalls, loads int
	cache := newTestResourceCache(t, 2, &released, &gcCalls)
	ctx := context.Background()

	a, _ := cache.GetOrLoad(ctx, "a", loaderFor("a", &loads))
	if _, err := cache.GetOrLoad(ctx, "b", loaderFor("b", &loads)); err != nil {
		t.Fatalf("load b: %v", err)
	}
	// touch a so b becomes the oldest
	if _, err := cache.GetOrLoad(ctx, "a", loaderFor("a", &loads)); err != nil {
		t.Fatalf("hit a: %v", err)
	}

	sawTeardown := false
	_, err := cache.GetOrLoad(ctx, "c", func(context.Context) (*fakeResource, error) {
		sawTeardown = len(released) == 1 && released[0] == "b"
		return &fakeResource{name: "c"}, nil
	})
	if err != nil {
		t.Fatalf("load c: %v", err)
	}
	if !sawTeardown {
		t.Fatalf("expected b to be torn down before c was loaded, released=%v", released)
	}
	if gcCalls != 1 {
		t.Fatalf("expected one post-eviction collection, got %d", gcCalls)
	}
	if a.released {
		t.Fatalf("recently used entry must survive")
	}
	if cache.Contains("b") || !cache.Contains("a") || !cache.Contains("c") {
		t.Fatalf("unexpected keys after eviction: %v", cache.Keys())
	}
	stats := cache.Stats()
	if stats.Evictions != 1 || stats.Size != 2 || stats.Capacity != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestResourceCacheFailedLoadLeavesNoEntry(t *testing.T) {
	t.Parallel()

	var released []string
	var gcCalls int
	cache := newTestResourceCache(t, 1, &released, &gcCalls)
	ctx := context.Background()
	boom := errors.New("out of device memory")

	_, err := cache.GetOrLoad(ctx, "a", func(context.Context) (*fakeResource, error) {
		return nil, boom
	})
	if !errors.Is(err, domain.ErrResourceLoad) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped load error, got %v", err)
	}
	if cache.Contains("a") || cache.Stats().Size != 0 {
		t.Fatalf("failed load must not leave an entry")
	}

	loads := 0
	if _, err := cache.GetOrLoad(ctx, "a", loaderFor("a", &loads)); err != nil {
		t.Fatalf("retry load: %v", err)
	}
	if loads != 1 {
		t.Fatalf("expected retry to load again, got %d loads", loads)
	}
}

func TestResourceCacheTeardownErrorStillReclaimsSlot(t *testing.T) {
	t.Parallel()

	gcCalls := 0
	cache, err := NewResourceCache(ResourceCacheConfig[string, int]{
		Capacity: 1,
		Teardown: func(context.Context, string, int) error {
			return errors.New("release failed")
		},
		AfterEvict: func() { gcCalls++ },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()
	one := func(context.Context) (int, error) { return 1, nil }
	two := func(context.Context) (int, error) { return 2, nil }

	if _, err := cache.GetOrLoad(ctx, "a", one); err != nil {
		t.Fatalf("load a: %v", err)
	}
	got, err := cache.GetOrLoad(ctx, "b", two)
	if err != nil || got != 2 {
		t.Fatalf("expected b to load despite teardown error, got %d %v", got, err)
	}
	if cache.Stats().Size != 1 || gcCalls != 1 {
		t.Fatalf("unexpected state: %+v gc=%d", cache.Stats(), gcCalls)
	}
}

func TestResourceCacheRejectsInvalidCapacity(t *testing.T) {
	t.Parallel()

	if _, err := NewResourceCache(ResourceCacheConfig[string, int]{Capacity: 0}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestResourceCacheCloseReleasesEverything(t *testing.T) {
	t.Parallel()

	var released []string
	var gcCalls, loads int
	cache := newTestResourceCache(t, 3, &released, &gcCalls)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := cache.GetOrLoad(ctx, key, loaderFor(key, &loads)); err != nil {
			t.Fatalf("load %s: %v", key, err)
		}
	}
	cache.Close(ctx)
	if len(released) != 3 || released[0] != "a" || released[2] != "c" {
		t.Fatalf("expected oldest-first release, got %v", released)
	}
	if cache.Stats().Size != 0 {
		t.Fatalf("expected empty cache after close")
	}
}
