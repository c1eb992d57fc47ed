package gpu

import "testing"

func TestNewCacheKeyIsStableAcrossMapOrder(t *testing.T) {
	t.Parallel()

	a, okA := NewCacheKey("images.sdxl", map[string]any{"prompt": "cat", "negative_prompt": "dog"})
	b, okB := NewCacheKey("images.sdxl", map[string]any{"negative_prompt": "dog", "prompt": "cat"})
	if !okA || !okB {
		t.Fatalf("expected encodable args")
	}
	if a != b {
		t.Fatalf("expected equal keys for equal args")
	}
}

func TestNewCacheKeySeparatesIdentityAndArgs(t *testing.T) {
	t.Parallel()

	base, _ := NewCacheKey("images.sdxl", "cat")
	tests := []struct {
		name     string
		identity string
		args     any
	}{
		{name: "different identity", identity: "images.flux", args: "cat"},
		{name: "different args", identity: "images.sdxl", args: "dog"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NewCacheKey(tc.identity, tc.args)
			if !ok {
				t.Fatalf("expected encodable args")
			}
			if got == base {
				t.Fatalf("expected distinct key")
			}
		})
	}
}

func TestNewCacheKeyUnencodableArgs(t *testing.T) {
	t.Parallel()

	if _, ok := NewCacheKey("p", make(chan int)); ok {
		t.Fatalf("expected unencodable args to disable caching")
	}
}
