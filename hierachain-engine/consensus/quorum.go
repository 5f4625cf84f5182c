package consensus

import "sort"

// Equivocation records a sender that voted for two digests under one key.
// Only the first vote is counted.
type Equivocation[K comparable] struct {
	Key    K
	Sender NodeID
	First  Digest
	Second Digest
}

// QuorumTracker counts distinct senders per (key, digest) and reports the
// first time a digest reaches the threshold for a key. The first vote of a
// sender for a key wins; later conflicting votes are kept as evidence.
type QuorumTracker[K comparable] struct {
	threshold int
	votes     map[K]map[NodeID]Digest
	counts    map[K]map[Digest]int
	reached   map[K]Digest
	evidence  []Equivocation[K]
}

// NewQuorumTracker creates a tracker that certifies at threshold votes.
func NewQuorumTracker[K comparable](threshold int) *QuorumTracker[K] {
	return &QuorumTracker[K]{
		threshold: threshold,
		votes:     make(map[K]map[NodeID]Digest),
		counts:    make(map[K]map[Digest]int),
		reached:   make(map[K]Digest),
	}
}

// Threshold returns the number of matching votes that certify a key.
func (q *QuorumTracker[K]) Threshold() int {
	return q.threshold
}

// Add records a vote. reached is true exactly once per key: on the vote that
// brings some digest to the threshold. A conflicting vote from a sender that
// already voted returns the evidence and is not counted.
func (q *QuorumTracker[K]) Add(key K, sender NodeID, d Digest) (reached bool, eq *Equivocation[K]) {
	senders, ok := q.votes[key]
	if !ok {
		senders = make(map[NodeID]Digest)
		q.votes[key] = senders
		q.counts[key] = make(map[Digest]int)
	}

	if prev, voted := senders[sender]; voted {
		if prev == d {
			return false, nil
		}
		e := Equivocation[K]{Key: key, Sender: sender, First: prev, Second: d}
		q.evidence = append(q.evidence, e)
		return false, &e
	}

	senders[sender] = d
	q.counts[key][d]++

	if _, done := q.reached[key]; done {
		return false, nil
	}
	if q.counts[key][d] >= q.threshold {
		q.reached[key] = d
		return true, nil
	}
	return false, nil
}

// Count returns the number of distinct senders that voted d for key.
func (q *QuorumTracker[K]) Count(key K, d Digest) int {
	return q.counts[key][d]
}

// Voters returns the number of distinct senders that voted for key.
func (q *QuorumTracker[K]) Voters(key K) int {
	return len(q.votes[key])
}

// Voted reports whether sender has voted for key, and for which digest.
func (q *QuorumTracker[K]) Voted(key K, sender NodeID) (Digest, bool) {
	d, ok := q.votes[key][sender]
	return d, ok
}

// Certified returns the digest that reached the threshold for key.
func (q *QuorumTracker[K]) Certified(key K) (Digest, bool) {
	d, ok := q.reached[key]
	return d, ok
}

// Senders returns the sorted senders that voted d for key.
func (q *QuorumTracker[K]) Senders(key K, d Digest) []NodeID {
	out := make([]NodeID, 0, q.counts[key][d])
	for sender, vote := range q.votes[key] {
		if vote == d {
			out = append(out, sender)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Keys returns every key with at least one vote.
func (q *QuorumTracker[K]) Keys() []K {
	keys := make([]K, 0, len(q.votes))
	for k := range q.votes {
		keys = append(keys, k)
	}
	return keys
}

// Evidence returns the equivocations observed so far.
func (q *QuorumTracker[K]) Evidence() []Equivocation[K] {
	out := make([]Equivocation[K], len(q.evidence))
	copy(out, q.evidence)
	return out
}

// Prune drops every key for which drop returns true, evidence included.
func (q *QuorumTracker[K]) Prune(drop func(K) bool) {
	for k := range q.votes {
		if drop(k) {
			delete(q.votes, k)
			delete(q.counts, k)
			delete(q.reached, k)
		}
	}
	kept := q.evidence[:0]
	for _, e := range q.evidence {
		if !drop(e.Key) {
			kept = append(kept, e)
		}
	}
	q.evidence = kept
}
