package cache

import (
	"fmt"
	"testing"
)

func TestSharded_GetSetRoundTrip(t *testing.T) {
	c := New(1 << 20)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	if v, ok := c.Get("a"); !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || string(v) != "2" {
		t.Fatalf("Get(b) = %q, %v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(missing) should miss")
	}
}

func TestSharded_EvictsLeastRecentlyUsed(t *testing.T) {
	// one shard's worth of capacity: every key maps somewhere, but a
	// single shard can only hold a few small entries.
	c := New(numShards * 32)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		c.Set(key, []byte("xxxxxxxxxxxxxxxx"))
	}

	hits := 0
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, ok := c.Get(key); ok {
			hits++
		}
	}
	if hits == 200 {
		t.Fatal("expected some entries to have been evicted under a tight capacity")
	}
	if hits == 0 {
		t.Fatal("expected at least some entries to survive")
	}
}

func TestSharded_Erase(t *testing.T) {
	c := New(1 << 20)
	c.Set("k", []byte("v"))
	c.Erase("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("erased key should miss")
	}
}

func TestNewCacheNamespace_Unique(t *testing.T) {
	a := NewCacheNamespace()
	b := NewCacheNamespace()
	if a == b {
		t.Fatal("expected distinct namespaces")
	}
}
