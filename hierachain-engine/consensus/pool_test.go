package consensus

import (
	"fmt"
	"testing"
)

func TestNewRequestPool(t *testing.T) {
	p := NewRequestPool(100)
	if p == nil {
		t.Fatal("NewRequestPool returned nil")
	}
	if p.Size() != 0 {
		t.Errorf("Expected size 0, got %d", p.Size())
	}
	if p.maxSize != 100 {
		t.Errorf("Expected maxSize 100, got %d", p.maxSize)
	}
}

func TestRequestPoolAddDuplicate(t *testing.T) {
	p := NewRequestPool(10)
	req := request("alice", 1, "X")

	if err := p.Add(req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := p.Add(req); err != ErrRequestQueued {
		t.Errorf("Expected ErrRequestQueued, got %v", err)
	}
}

func TestRequestPoolRejectsNoop(t *testing.T) {
	p := NewRequestPool(10)
	if err := p.Add(Request{}); err != ErrInvalidRequest {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestRequestPoolFull(t *testing.T) {
	p := NewRequestPool(2)
	_ = p.Add(request("a", 1, "x"))
	_ = p.Add(request("b", 1, "x"))

	if err := p.Add(request("c", 1, "x")); err != ErrPoolFull {
		t.Errorf("Expected ErrPoolFull, got %v", err)
	}
}

func TestRequestPoolArrivalOrder(t *testing.T) {
	p := NewRequestPool(0)
	for i := 0; i < 5; i++ {
		_ = p.Add(request(fmt.Sprintf("client-%d", i), 1, "x"))
	}
	p.Remove(RequestKey{ClientID: "client-2", Nonce: 1})

	peeked := p.Peek(10)
	if len(peeked) != 4 {
		t.Fatalf("Expected 4 requests, got %d", len(peeked))
	}
	for _, want := range []string{"client-0", "client-1", "client-3", "client-4"} {
		req, err := p.Pop()
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if req.ClientID != want {
			t.Errorf("Expected %s, got %s", want, req.ClientID)
		}
	}
	if _, err := p.Pop(); err != ErrRequestNotFound {
		t.Errorf("Expected ErrRequestNotFound, got %v", err)
	}
}

func TestRequestPoolStats(t *testing.T) {
	p := NewRequestPool(10)
	_ = p.Add(request("a", 1, "x"))

	stats := p.Stats()
	if stats.Size != 1 || stats.MaxSize != 10 || stats.Available != 9 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}
