package client

import (
	"sync"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

type replyKey struct {
	seq    consensus.Seq
	digest consensus.Digest
}

// ReplyCollector gathers replies for one request and reports acceptance
// once f+1 distinct replicas agree.
type ReplyCollector struct {
	request  consensus.Request
	f        int
	digester consensus.Digester

	mu       sync.Mutex
	voted    map[consensus.NodeID]bool
	votes    map[replyKey]int
	accepted *consensus.Reply
	rejected int
}

// NewReplyCollector creates a collector for req in a cluster tolerating f faults.
func NewReplyCollector(req consensus.Request, f int, digester consensus.Digester) *ReplyCollector {
	return &ReplyCollector{
		request:  req,
		f:        f,
		digester: digester,
		voted:    make(map[consensus.NodeID]bool),
		votes:    make(map[replyKey]int),
	}
}

// Add records the reply received from replica from. The sender is the
// replica the reply arrived from, not the one it claims. Add returns the
// accepted reply and true the first time a quorum forms.
func (c *ReplyCollector) Add(from consensus.NodeID, reply consensus.Reply) (consensus.Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accepted != nil || c.voted[from] {
		return consensus.Reply{}, false
	}
	if reply.ClientID != c.request.ClientID || reply.Nonce != c.request.Nonce {
		c.rejected++
		return consensus.Reply{}, false
	}
	digest := c.digester.Digest(reply.Result)
	if digest != reply.ResultDigest {
		c.rejected++
		return consensus.Reply{}, false
	}

	c.voted[from] = true
	key := replyKey{seq: reply.Seq, digest: digest}
	c.votes[key]++
	if c.votes[key] < c.f+1 {
		return consensus.Reply{}, false
	}

	reply.Replica = from
	c.accepted = &reply
	return reply, true
}

// Result returns the accepted reply, if any.
func (c *ReplyCollector) Result() (consensus.Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accepted == nil {
		return consensus.Reply{}, false
	}
	return *c.accepted, true
}

// Responded returns how many replicas have sent a well-formed reply.
func (c *ReplyCollector) Responded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.voted)
}

// Rejected returns how many replies did not match the request.
func (c *ReplyCollector) Rejected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// Voted reports whether replica id has already sent a well-formed reply.
func (c *ReplyCollector) Voted(id consensus.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voted[id]
}
