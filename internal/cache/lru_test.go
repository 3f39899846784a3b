package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRU_SetGet(t *testing.T) {
	c := New[string](4, time.Minute)

	c.Set("a", "alpha")
	c.Set("b", "beta")

	if v, ok := c.Get("a"); !ok || v != "alpha" {
		t.Errorf("Get(a) = %q, %v; want alpha, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) reported a hit")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](2, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be cached")
	}

	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should have survived eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should be cached")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestLRU_UpdateDoesNotGrow(t *testing.T) {
	c := New[int](2, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	if c.Len() != 2 {
		t.Errorf("Len() = %d after update, want 2", c.Len())
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Errorf("Get(a) = %d, want updated value 10", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should not have been evicted by an update")
	}
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := New[string](4, 10*time.Millisecond)

	c.Set("a", "alpha")
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Error("expired entry returned as a hit")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after lazy expiry, want 0", c.Len())
	}
}

func TestLRU_Remove(t *testing.T) {
	c := New[string](4, time.Minute)

	c.Set("a", "alpha")
	if !c.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	if c.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
	if _, ok := c.Get("a"); ok {
		t.Error("removed entry still retrievable")
	}
}

func TestLRU_Stats(t *testing.T) {
	c := New[int](4, time.Minute)

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("nope")

	hits, misses, size := c.Stats()
	if hits != 2 || misses != 1 || size != 1 {
		t.Errorf("Stats() = %d hits, %d misses, %d size; want 2, 1, 1", hits, misses, size)
	}
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c := New[int](64, time.Minute)
	done := make(chan struct{})

	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%32)
				c.Set(key, g*1000+i)
				c.Get(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	if c.Len() > 64 {
		t.Errorf("Len() = %d exceeds capacity 64", c.Len())
	}
}
