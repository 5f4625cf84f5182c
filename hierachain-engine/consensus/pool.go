package consensus

import (
	"container/heap"

	"github.com/pkg/errors"
)

// Request pool errors
var (
	ErrPoolFull        = errors.New("request pool is full")
	ErrRequestQueued   = errors.New("request already queued")
	ErrRequestNotFound = errors.New("request not found")
)

type pooledRequest struct {
	req   Request
	order uint64
	index int
}

// arrivalQueue implements heap.Interface ordered by arrival.
type arrivalQueue []*pooledRequest

func (q arrivalQueue) Len() int { return len(q) }

func (q arrivalQueue) Less(i, j int) bool { return q[i].order < q[j].order }

func (q arrivalQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *arrivalQueue) Push(x interface{}) {
	item := x.(*pooledRequest)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *arrivalQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*q = old[0 : n-1]
	return item
}

// RequestPool holds client requests that have not been assigned a sequence
// number yet, in arrival order. It is owned by the replica goroutine.
type RequestPool struct {
	pending map[RequestKey]*pooledRequest
	queue   arrivalQueue
	maxSize int
	next    uint64
}

// NewRequestPool creates a pool holding at most maxSize requests
// (0 means unbounded).
func NewRequestPool(maxSize int) *RequestPool {
	p := &RequestPool{
		pending: make(map[RequestKey]*pooledRequest),
		queue:   make(arrivalQueue, 0),
		maxSize: maxSize,
	}
	heap.Init(&p.queue)
	return p
}

// Add queues a request.
func (p *RequestPool) Add(req Request) error {
	if req.IsNoop() {
		return ErrInvalidRequest
	}
	key := req.Key()
	if _, exists := p.pending[key]; exists {
		return ErrRequestQueued
	}
	if p.maxSize > 0 && len(p.pending) >= p.maxSize {
		return ErrPoolFull
	}

	p.next++
	item := &pooledRequest{req: req, order: p.next}
	p.pending[key] = item
	heap.Push(&p.queue, item)
	return nil
}

// Contains reports whether key is queued.
func (p *RequestPool) Contains(key RequestKey) bool {
	_, ok := p.pending[key]
	return ok
}

// Remove drops a queued request. It returns false if key was not queued.
func (p *RequestPool) Remove(key RequestKey) bool {
	item, ok := p.pending[key]
	if !ok {
		return false
	}
	delete(p.pending, key)
	heap.Remove(&p.queue, item.index)
	return true
}

// Pop removes and returns the oldest request.
func (p *RequestPool) Pop() (Request, error) {
	if len(p.queue) == 0 {
		return Request{}, ErrRequestNotFound
	}
	item := heap.Pop(&p.queue).(*pooledRequest)
	delete(p.pending, item.req.Key())
	return item.req, nil
}

// Peek returns up to n oldest requests without removing them.
func (p *RequestPool) Peek(n int) []Request {
	if n <= 0 || len(p.queue) == 0 {
		return nil
	}
	if n > len(p.queue) {
		n = len(p.queue)
	}

	sorted := make(arrivalQueue, len(p.queue))
	for i, item := range p.queue {
		cp := *item
		cp.index = i
		sorted[i] = &cp
	}
	heap.Init(&sorted)

	out := make([]Request, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&sorted).(*pooledRequest).req)
	}
	return out
}

// Size returns the number of queued requests.
func (p *RequestPool) Size() int {
	return len(p.pending)
}

// PoolStats contains request pool statistics.
type PoolStats struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
}

// Stats returns pool statistics.
func (p *RequestPool) Stats() PoolStats {
	available := -1
	if p.maxSize > 0 {
		available = p.maxSize - len(p.pending)
	}
	return PoolStats{
		Size:      len(p.pending),
		MaxSize:   p.maxSize,
		Available: available,
	}
}
