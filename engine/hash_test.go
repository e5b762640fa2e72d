package engine

import "testing"

// TestHashComposite_Determinism verifies stable hashing across calls.
func TestHashComposite_Determinism(t *testing.T) {
	t.Run("same parts same hash", func(t *testing.T) {
		a := HashComposite([]string{"gw-1", "3", "user-42"})
		b := HashComposite([]string{"gw-1", "3", "user-42"})
		if a != b {
			t.Errorf("expected identical hashes, got %d and %d", a, b)
		}
	})

	t.Run("different parts different hash", func(t *testing.T) {
		a := HashComposite([]string{"gw-1", "3", "user-42"})
		b := HashComposite([]string{"gw-1", "3", "user-43"})
		if a == b {
			t.Error("expected different hashes for different key values")
		}
	})

	t.Run("part boundaries are unambiguous", func(t *testing.T) {
		a := HashComposite([]string{"ab", "c"})
		b := HashComposite([]string{"a", "bc"})
		if a == b {
			t.Error("length prefixing should distinguish part boundaries")
		}
	})

	t.Run("empty parts", func(t *testing.T) {
		a := HashComposite(nil)
		b := HashComposite([]string{})
		if a != b {
			t.Error("nil and empty slices should hash identically")
		}
	})
}

// TestToBucket verifies bucket mapping stays in range.
func TestToBucket(t *testing.T) {
	t.Run("in range", func(t *testing.T) {
		for _, key := range []string{"a", "b", "user-1", "user-2", "tenant/99"} {
			bucket := ToBucket(HashComposite([]string{key}), 10000)
			if bucket < 0 || bucket >= 10000 {
				t.Errorf("bucket %d out of range for key %q", bucket, key)
			}
		}
	})

	t.Run("zero bucket count", func(t *testing.T) {
		if got := ToBucket(12345, 0); got != 0 {
			t.Errorf("expected 0 for bucketCount 0, got %d", got)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		h := HashComposite([]string{"gw", "1", "key"})
		if ToBucket(h, 100) != ToBucket(h, 100) {
			t.Error("bucket mapping should be deterministic")
		}
	})
}
