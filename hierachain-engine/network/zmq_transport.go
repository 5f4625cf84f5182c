// Package network carries signed consensus messages between replicas.
//
// This package implements:
//   - Envelope: signed JSON wire frame around a consensus message
//   - ZmqNode: ZeroMQ transport with ROUTER/DEALER pattern
//   - PeerMonitor: peer liveness tracking
//   - Service: core.Network implementation tying the pieces to a node
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("node is not running")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrSendFailed     = errors.New("failed to send message")
)

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID        consensus.NodeID `json:"id"`
	Address   string           `json:"address"`
	PublicKey []byte           `json:"public_key,omitempty"`
	LastSeen  time.Time        `json:"last_seen"`
}

// EnvelopeHandler is a callback for received envelopes.
type EnvelopeHandler func(env *Envelope)

// ZmqNode is a ZeroMQ-based replica endpoint. It receives on a ROUTER
// socket and keeps one DEALER socket per peer for sending.
type ZmqNode struct {
	nodeID  consensus.NodeID
	address string
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[consensus.NodeID]zmq4.Socket

	peers map[consensus.NodeID]*PeerInfo
	mu    sync.RWMutex

	handler EnvelopeHandler
	msgChan chan *Envelope

	// Replay protection
	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	// Stats
	received int64
	dropped  int64

	running bool
	wg      sync.WaitGroup
}

// NewZmqNode creates a node listening on address (e.g. "tcp://127.0.0.1:7000").
func NewZmqNode(nodeID consensus.NodeID, address string, logger zerolog.Logger) *ZmqNode {
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqNode{
		nodeID:          nodeID,
		address:         address,
		logger:          logger.With().Str("component", "zmq").Logger(),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[consensus.NodeID]zmq4.Socket),
		peers:           make(map[consensus.NodeID]*PeerInfo),
		msgChan:         make(chan *Envelope, 1000),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

func socketID(id consensus.NodeID) zmq4.SocketIdentity {
	return zmq4.SocketIdentity(fmt.Sprintf("replica-%d", id))
}

// Start binds the ROUTER socket and starts the receive goroutines.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(socketID(n.nodeID)))
	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return errors.Wrapf(err, "failed to bind router on %s", n.address)
	}

	n.running = true
	n.mu.Unlock()

	n.wg.Add(3)
	go n.receiverLoop()
	go n.messageProcessor()
	go n.replayCacheCleaner()

	n.logger.Info().Str("address", n.address).Msg("ZeroMQ node listening")
	return nil
}

// Stop closes all sockets and waits for the goroutines to exit.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()

	// Errors are expected while tearing down sockets.
	if n.router != nil {
		_ = n.router.Close()
	}
	n.mu.Lock()
	for id, dealer := range n.dealers {
		_ = dealer.Close()
		delete(n.dealers, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

// RegisterPeer adds a peer to the known peers list.
func (n *ZmqNode) RegisterPeer(peerID consensus.NodeID, address string, publicKey []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peers[peerID] = &PeerInfo{
		ID:        peerID,
		Address:   address,
		PublicKey: publicKey,
		LastSeen:  time.Now(),
	}
}

// UnregisterPeer removes a peer and closes its dealer socket.
func (n *ZmqNode) UnregisterPeer(peerID consensus.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.peers, peerID)
	if dealer, ok := n.dealers[peerID]; ok {
		_ = dealer.Close()
		delete(n.dealers, peerID)
	}
}

// SetHandler sets the callback for received envelopes.
func (n *ZmqNode) SetHandler(handler EnvelopeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// SendDirect sends an encoded envelope to one peer.
func (n *ZmqNode) SendDirect(peerID consensus.NodeID, data []byte) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	peer, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "replica %d", peerID)
	}

	dealer, err := n.getOrCreateDealer(peerID, peer.Address)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return errors.Wrapf(ErrSendFailed, "replica %d: %v", peerID, err)
	}
	return nil
}

// Broadcast sends data to every registered peer and returns the last error.
func (n *ZmqNode) Broadcast(data []byte) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	ids := make([]consensus.NodeID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := n.SendDirect(id, data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// GetPeers returns a copy of all registered peers.
func (n *ZmqNode) GetPeers() map[consensus.NodeID]*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[consensus.NodeID]*PeerInfo, len(n.peers))
	for id, peer := range n.peers {
		cp := *peer
		peers[id] = &cp
	}
	return peers
}

func (n *ZmqNode) getOrCreateDealer(peerID consensus.NodeID, address string) (zmq4.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dealer, ok := n.dealers[peerID]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(n.ctx, zmq4.WithID(socketID(n.nodeID)))
	if err := dealer.Dial(address); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", address)
	}
	n.dealers[peerID] = dealer
	return dealer, nil
}

// receiverLoop reads frames from the ROUTER socket. The first frame is the
// sender's socket identity; the last one carries the envelope.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}

		env, err := DecodeEnvelope(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			n.logger.Debug().Err(err).Msg("Dropping undecodable frame")
			n.countDrop()
			continue
		}
		if !n.isValidReplay(env) {
			n.logger.Debug().Str("nonce", env.Nonce).Msg("Dropping replayed envelope")
			n.countDrop()
			continue
		}

		n.mu.Lock()
		if peer, ok := n.peers[env.From]; ok {
			peer.LastSeen = time.Now()
		}
		n.received++
		n.mu.Unlock()

		select {
		case n.msgChan <- env:
		default:
			n.logger.Warn().Int("from", int(env.From)).Msg("Receive queue full, dropping envelope")
			n.countDrop()
		}
	}
}

func (n *ZmqNode) countDrop() {
	n.mu.Lock()
	n.dropped++
	n.mu.Unlock()
}

func (n *ZmqNode) messageProcessor() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case env := <-n.msgChan:
			n.mu.RLock()
			handler := n.handler
			n.mu.RUnlock()

			if handler != nil {
				handler(env)
			}
		}
	}
}

// isValidReplay rejects envelopes whose nonce was already seen or whose
// timestamp is outside the replay tolerance.
func (n *ZmqNode) isValidReplay(env *Envelope) bool {
	if env.Nonce == "" {
		return false
	}

	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	if _, seen := n.replayCache[env.Nonce]; seen {
		return false
	}
	if age := time.Since(env.Timestamp); age > n.replayTolerance || age < -n.replayTolerance {
		return false
	}
	n.replayCache[env.Nonce] = time.Now()
	return true
}

func (n *ZmqNode) replayCacheCleaner() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.cleanReplayCache()
		}
	}
}

func (n *ZmqNode) cleanReplayCache() {
	n.replayCacheMu.Lock()
	defer n.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-n.replayTolerance)
	for nonce, ts := range n.replayCache {
		if ts.Before(cutoff) {
			delete(n.replayCache, nonce)
		}
	}
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID    consensus.NodeID `json:"node_id"`
	Address   string           `json:"address"`
	PeerCount int              `json:"peer_count"`
	IsRunning bool             `json:"is_running"`
	QueueSize int              `json:"queue_size"`
	Received  int64            `json:"received"`
	Dropped   int64            `json:"dropped"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		NodeID:    n.nodeID,
		Address:   n.address,
		PeerCount: len(n.peers),
		IsRunning: n.running,
		QueueSize: len(n.msgChan),
		Received:  n.received,
		Dropped:   n.dropped,
	}
}
