package hedger

import (
	"fmt"
	"testing"
)

func TestHedgedSetAddContains(t *testing.T) {
	s := NewHedgedSet()
	if !s.Add("a") {
		t.Fatalf("first add must succeed")
	}
	if s.Add("a") {
		t.Fatalf("duplicate add must report false")
	}
	if !s.Contains("a") || s.Contains("b") {
		t.Fatalf("membership wrong")
	}
}

func TestHedgedSetEviction(t *testing.T) {
	s := newHedgedSetWithCap(100)
	for i := 0; i < 101; i++ {
		s.Add(fmt.Sprintf("nonce-%d", i))
	}
	// 超容量后最老的五分之一（20个）被淘汰
	if s.Len() != 81 {
		t.Fatalf("expected 81 entries got %d", s.Len())
	}
	if s.Contains("nonce-0") || s.Contains("nonce-19") {
		t.Fatalf("oldest fifth must be evicted")
	}
	if !s.Contains("nonce-20") || !s.Contains("nonce-100") {
		t.Fatalf("recent entries must survive")
	}
}
