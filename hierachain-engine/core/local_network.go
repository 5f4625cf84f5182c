package core

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// LocalNetwork connects nodes running in one process. It can drop a fixed
// fraction of messages and isolate individual nodes.
type LocalNetwork struct {
	nodes       map[consensus.NodeID]*Node
	partitioned map[consensus.NodeID]bool
	lossRate    float64
	rng         *rand.Rand
	mu          sync.Mutex

	delivered int64
	dropped   int64
}

// NewLocalNetwork creates an empty network. lossRate is the probability in
// [0, 1) that any single message is dropped.
func NewLocalNetwork(lossRate float64, seed int64) *LocalNetwork {
	return &LocalNetwork{
		nodes:       make(map[consensus.NodeID]*Node),
		partitioned: make(map[consensus.NodeID]bool),
		lossRate:    lossRate,
		rng:         rand.New(rand.NewSource(seed)), // #nosec G404 - simulated loss, not security
	}
}

// Endpoint returns the Network a node with the given id sends through.
func (ln *LocalNetwork) Endpoint(id consensus.NodeID) Network {
	return &localEndpoint{net: ln, id: id}
}

// Attach registers node as the receiver for its id.
func (ln *LocalNetwork) Attach(node *Node) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.nodes[node.ID()] = node
}

// Partition isolates id from every other node.
func (ln *LocalNetwork) Partition(id consensus.NodeID) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.partitioned[id] = true
}

// Heal reconnects id.
func (ln *LocalNetwork) Heal(id consensus.NodeID) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delete(ln.partitioned, id)
}

// Stats returns the number of delivered and dropped messages.
func (ln *LocalNetwork) Stats() (delivered, dropped int64) {
	return atomic.LoadInt64(&ln.delivered), atomic.LoadInt64(&ln.dropped)
}

func (ln *LocalNetwork) deliver(from, to consensus.NodeID, msg consensus.Message) {
	ln.mu.Lock()
	node, ok := ln.nodes[to]
	drop := !ok || ln.partitioned[from] || ln.partitioned[to]
	if !drop && ln.lossRate > 0 && ln.rng.Float64() < ln.lossRate {
		drop = true
	}
	ln.mu.Unlock()

	if drop {
		atomic.AddInt64(&ln.dropped, 1)
		return
	}
	if err := node.Deliver(msg); err != nil {
		atomic.AddInt64(&ln.dropped, 1)
		return
	}
	atomic.AddInt64(&ln.delivered, 1)
}

func (ln *LocalNetwork) ids() []consensus.NodeID {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	out := make([]consensus.NodeID, 0, len(ln.nodes))
	for id := range ln.nodes {
		out = append(out, id)
	}
	return out
}

type localEndpoint struct {
	net *LocalNetwork
	id  consensus.NodeID
}

func (e *localEndpoint) Broadcast(msg consensus.Message) {
	for _, id := range e.net.ids() {
		if id != e.id {
			e.net.deliver(e.id, id, msg)
		}
	}
}

func (e *localEndpoint) Send(to consensus.NodeID, msg consensus.Message) {
	e.net.deliver(e.id, to, msg)
}

// LocalCluster is a set of nodes wired through one LocalNetwork.
type LocalCluster struct {
	Network *LocalNetwork
	Nodes   []*Node
}

// NewLocalCluster builds 3f+1 nodes. newApp is called once per node and
// configure, if set, may adjust each node's configuration.
func NewLocalCluster(f int, lossRate float64, digester consensus.Digester,
	newApp func(id consensus.NodeID) consensus.Application,
	configure func(*NodeConfig), logger *zerolog.Logger) (*LocalCluster, error) {

	n := 3*f + 1
	ln := NewLocalNetwork(lossRate, 1)
	c := &LocalCluster{Network: ln}
	for i := 0; i < n; i++ {
		id := consensus.NodeID(i)
		cfg := DefaultNodeConfig(id)
		cfg.Consensus.N, cfg.Consensus.F = n, f
		if configure != nil {
			configure(&cfg)
		}
		node, err := NewNode(cfg, Dependencies{
			App:      newApp(id),
			Network:  ln.Endpoint(id),
			Digester: digester,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		ln.Attach(node)
		c.Nodes = append(c.Nodes, node)
	}
	return c, nil
}

// Start starts every node.
func (c *LocalCluster) Start() error {
	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every node.
func (c *LocalCluster) Stop() {
	for _, node := range c.Nodes {
		node.Stop()
	}
}
