package network

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// PeerMonitor tracks peer liveness from the traffic seen by a ZmqNode.
// Membership is static, so stale peers are reported, never removed.
type PeerMonitor struct {
	node   *ZmqNode
	logger zerolog.Logger

	checkInterval time.Duration
	staleTimeout  time.Duration

	healthy  map[consensus.NodeID]bool
	onChange func(id consensus.NodeID, healthy bool)
	mu       sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewPeerMonitor creates a monitor over node's peer table.
func NewPeerMonitor(node *ZmqNode, staleTimeout time.Duration) *PeerMonitor {
	if staleTimeout <= 0 {
		staleTimeout = 30 * time.Second
	}
	return &PeerMonitor{
		node:          node,
		logger:        node.logger.With().Str("component", "peers").Logger(),
		checkInterval: staleTimeout / 3,
		staleTimeout:  staleTimeout,
		healthy:       make(map[consensus.NodeID]bool),
		stopChan:      make(chan struct{}),
	}
}

// OnChange registers a callback invoked when a peer turns healthy or stale.
func (p *PeerMonitor) OnChange(fn func(id consensus.NodeID, healthy bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Start begins periodic liveness checks.
func (p *PeerMonitor) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

// Stop stops the checks.
func (p *PeerMonitor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
}

func (p *PeerMonitor) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.check(time.Now())
		}
	}
}

// check refreshes the health table and fires callbacks for transitions.
func (p *PeerMonitor) check(now time.Time) {
	cutoff := now.Add(-p.staleTimeout)
	peers := p.node.GetPeers()

	type change struct {
		id      consensus.NodeID
		healthy bool
	}
	var changes []change

	p.mu.Lock()
	for id, peer := range peers {
		ok := peer.LastSeen.After(cutoff)
		if prev, known := p.healthy[id]; !known || prev != ok {
			changes = append(changes, change{id, ok})
		}
		p.healthy[id] = ok
	}
	for id := range p.healthy {
		if _, ok := peers[id]; !ok {
			delete(p.healthy, id)
		}
	}
	fn := p.onChange
	p.mu.Unlock()

	for _, c := range changes {
		if c.healthy {
			p.logger.Info().Int("peer", int(c.id)).Msg("Peer healthy")
		} else {
			p.logger.Warn().Int("peer", int(c.id)).Dur("silent_for", p.staleTimeout).Msg("Peer stale")
		}
		if fn != nil {
			fn(c.id, c.healthy)
		}
	}
}

// GetHealthyPeers returns peers heard from within the stale timeout, sorted by id.
func (p *PeerMonitor) GetHealthyPeers() []*PeerInfo {
	cutoff := time.Now().Add(-p.staleTimeout)
	healthy := make([]*PeerInfo, 0)
	for _, peer := range p.node.GetPeers() {
		if peer.LastSeen.After(cutoff) {
			healthy = append(healthy, peer)
		}
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	return healthy
}

// PeerCount returns the number of known peers.
func (p *PeerMonitor) PeerCount() int {
	return len(p.node.GetPeers())
}
