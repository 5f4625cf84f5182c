package network

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

// PeerConfig describes one remote replica.
type PeerConfig struct {
	ID        consensus.NodeID  `json:"id"`
	Address   string            `json:"address"`
	PublicKey ed25519.PublicKey `json:"public_key"`
}

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NodeID        consensus.NodeID `json:"node_id"`
	Address       string           `json:"address"`
	Peers         []PeerConfig     `json:"peers"`
	VerifyWorkers int              `json:"verify_workers"`
	StaleTimeout  time.Duration    `json:"stale_timeout"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig(id consensus.NodeID) NetworkConfig {
	return NetworkConfig{
		NodeID:        id,
		Address:       "tcp://127.0.0.1:7000",
		Peers:         []PeerConfig{},
		VerifyWorkers: 4,
		StaleTimeout:  30 * time.Second,
	}
}

// Deliverer receives authenticated messages; *core.Node implements it.
type Deliverer interface {
	Deliver(msg consensus.Message) error
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID       consensus.NodeID `json:"node_id"`
	Address      string           `json:"address"`
	IsRunning    bool             `json:"is_running"`
	PeerCount    int              `json:"peer_count"`
	HealthyPeers int              `json:"healthy_peers"`
	Sent         int64            `json:"sent"`
	Verified     int64            `json:"verified"`
	Rejected     int64            `json:"rejected"`
	NodeStats    NodeStats        `json:"node_stats"`
	VerifyPool   core.PoolStats   `json:"verify_pool"`
}

// Service connects a replica to its peers over ZeroMQ. Outbound messages are
// signed; inbound envelopes are verified on a worker pool before delivery.
// It implements core.Network.
type Service struct {
	config  NetworkConfig
	node    *ZmqNode
	monitor *PeerMonitor
	sealer  *Sealer
	keys    *crypto.KeyRing
	verify  *core.WorkerPool
	logger  zerolog.Logger

	target atomic.Value // deliverer

	sent     int64
	verified int64
	rejected int64

	mu      sync.RWMutex
	running bool
}

// NewService creates a network service for the replica owning signer.
func NewService(config NetworkConfig, signer *crypto.Signer, logger zerolog.Logger) (*Service, error) {
	if signer.ID() != config.NodeID {
		return nil, errors.Errorf("signer is replica %d, config is replica %d", signer.ID(), config.NodeID)
	}
	if config.VerifyWorkers <= 0 {
		config.VerifyWorkers = 4
	}

	logger = logger.With().Int("node", int(config.NodeID)).Logger()
	keys := crypto.NewKeyRing()
	if err := keys.Add(config.NodeID, signer.PublicKey()); err != nil {
		return nil, err
	}

	node := NewZmqNode(config.NodeID, config.Address, logger)
	for _, p := range config.Peers {
		if p.ID == config.NodeID {
			continue
		}
		if err := keys.Add(p.ID, p.PublicKey); err != nil {
			return nil, err
		}
		node.RegisterPeer(p.ID, p.Address, p.PublicKey)
	}

	s := &Service{
		config:  config,
		node:    node,
		monitor: NewPeerMonitor(node, config.StaleTimeout),
		sealer:  NewSealer(signer),
		keys:    keys,
		logger:  logger.With().Str("component", "network").Logger(),
	}
	s.verify = core.NewWorkerPool("verify", config.VerifyWorkers, 0, func(err error) {
		atomic.AddInt64(&s.rejected, 1)
		s.logger.Debug().Err(err).Msg("Rejected inbound envelope")
	})
	node.SetHandler(s.onEnvelope)
	return s, nil
}

type deliverer struct{ Deliverer }

// Attach sets the receiver of authenticated messages.
func (s *Service) Attach(d Deliverer) {
	s.target.Store(deliverer{d})
}

// Start starts the transport and the peer monitor.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.node.Start(); err != nil {
		return errors.Wrap(err, "failed to start ZeroMQ node")
	}
	s.monitor.Start()

	s.running = true
	s.logger.Info().Str("address", s.config.Address).Int("peers", len(s.config.Peers)).Msg("Network service started")
	return nil
}

// Stop shuts the service down.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.monitor.Stop()
	s.node.Stop()
	if err := s.verify.ShutdownWithTimeout(5 * time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("Verify pool did not drain")
	}

	s.running = false
	s.logger.Info().Msg("Network service stopped")
}

// Broadcast signs msg and sends it to every peer.
func (s *Service) Broadcast(msg consensus.Message) {
	data, err := s.encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type().String()).Msg("Failed to seal message")
		return
	}
	if err := s.node.Broadcast(data); err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type().String()).Msg("Broadcast failed")
		return
	}
	atomic.AddInt64(&s.sent, 1)
}

// Send signs msg and sends it to one peer.
func (s *Service) Send(to consensus.NodeID, msg consensus.Message) {
	data, err := s.encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type().String()).Msg("Failed to seal message")
		return
	}
	if err := s.node.SendDirect(to, data); err != nil {
		s.logger.Error().Err(err).Int("to", int(to)).Str("type", msg.Type().String()).Msg("Send failed")
		return
	}
	atomic.AddInt64(&s.sent, 1)
}

func (s *Service) encode(msg consensus.Message) ([]byte, error) {
	env, err := s.sealer.Seal(msg)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(env)
}

// onEnvelope hands an inbound envelope to the verify pool.
func (s *Service) onEnvelope(env *Envelope) {
	err := s.verify.Submit(func(ctx context.Context) error {
		return s.deliver(env)
	})
	if err != nil {
		atomic.AddInt64(&s.rejected, 1)
		s.logger.Warn().Err(err).Int("from", int(env.From)).Msg("Verify queue unavailable, dropping envelope")
	}
}

func (s *Service) deliver(env *Envelope) error {
	msg, err := Open(env, s.keys)
	if err != nil {
		return errors.Wrapf(err, "envelope from %d", env.From)
	}
	atomic.AddInt64(&s.verified, 1)

	d, _ := s.target.Load().(deliverer)
	if d.Deliverer == nil {
		return errors.New("no receiver attached")
	}
	return d.Deliver(msg)
}

// GetStatus returns the current status of the network service.
func (s *Service) GetStatus() NetworkStatus {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	return NetworkStatus{
		NodeID:       s.config.NodeID,
		Address:      s.config.Address,
		IsRunning:    running,
		PeerCount:    s.monitor.PeerCount(),
		HealthyPeers: len(s.monitor.GetHealthyPeers()),
		Sent:         atomic.LoadInt64(&s.sent),
		Verified:     atomic.LoadInt64(&s.verified),
		Rejected:     atomic.LoadInt64(&s.rejected),
		NodeStats:    s.node.GetStats(),
		VerifyPool:   s.verify.GetStats(),
	}
}

// GetHealthyPeers returns peers heard from recently.
func (s *Service) GetHealthyPeers() []*PeerInfo {
	return s.monitor.GetHealthyPeers()
}

// OnPeerChange registers a callback for peer health transitions.
func (s *Service) OnPeerChange(fn func(id consensus.NodeID, healthy bool)) {
	s.monitor.OnChange(fn)
}

// IsRunning returns whether the service is currently running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
