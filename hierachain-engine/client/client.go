package client

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Client errors
var (
	ErrUnavailable   = errors.New("no quorum of matching replies")
	ErrInvalidConfig = errors.New("invalid client configuration")
)

// Replica is one replica as seen by the client. api.ReplicaClient and
// core.Node implement it.
type Replica interface {
	ID() consensus.NodeID
	Submit(ctx context.Context, req consensus.Request) (consensus.Reply, error)
}

// Config contains client configuration.
type Config struct {
	ClientID string
	F        int

	// AttemptTimeout bounds one fan-out round.
	AttemptTimeout time.Duration
	// MaxAttempts is the number of rounds before giving up.
	MaxAttempts int
	// Backoff is the pause before the first retransmission; it doubles up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// InitialNonce seeds the nonce counter. Zero uses the current time so a
	// restarted client never reuses a nonce replicas have already executed.
	InitialNonce uint64
}

// DefaultConfig returns defaults for a client of a cluster tolerating f faults.
func DefaultConfig(clientID string, f int) Config {
	return Config{
		ClientID:       clientID,
		F:              f,
		AttemptTimeout: 5 * time.Second,
		MaxAttempts:    5,
		Backoff:        100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Stats reports client activity.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Accepted  int64 `json:"accepted"`
	Retries   int64 `json:"retries"`
	Failed    int64 `json:"failed"`
}

// Client submits operations to every replica and accepts a result once f+1
// replicas agree on it. It keeps at most one request outstanding.
type Client struct {
	config   Config
	replicas []Replica
	digester consensus.Digester
	logger   zerolog.Logger

	mu    sync.Mutex
	nonce uint64

	submitted int64
	accepted  int64
	retries   int64
	failed    int64
}

// New creates a client. It needs at least 2f+1 replicas with distinct ids.
func New(config Config, replicas []Replica, digester consensus.Digester, logger zerolog.Logger) (*Client, error) {
	if config.ClientID == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "client id is required")
	}
	if config.F < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "negative f %d", config.F)
	}
	if len(replicas) < 2*config.F+1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "need at least %d replicas, got %d", 2*config.F+1, len(replicas))
	}
	seen := make(map[consensus.NodeID]bool, len(replicas))
	for _, r := range replicas {
		if seen[r.ID()] {
			return nil, errors.Wrapf(ErrInvalidConfig, "duplicate replica %d", r.ID())
		}
		seen[r.ID()] = true
	}
	if config.AttemptTimeout <= 0 || config.MaxAttempts <= 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "attempt timeout and max attempts must be positive")
	}
	if config.MaxBackoff < config.Backoff {
		config.MaxBackoff = config.Backoff
	}

	nonce := config.InitialNonce
	if nonce == 0 {
		nonce = uint64(time.Now().UnixNano())
	}

	return &Client{
		config:   config,
		replicas: replicas,
		digester: digester,
		logger:   logger.With().Str("client", config.ClientID).Logger(),
		nonce:    nonce,
	}, nil
}

// Submit assigns op the next nonce and returns the accepted reply.
func (c *Client) Submit(ctx context.Context, op []byte) (consensus.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	req := consensus.Request{ClientID: c.config.ClientID, Nonce: c.nonce, Operation: op}
	return c.invoke(ctx, req)
}

// Resubmit sends the client's latest nonce again. Replicas that executed
// it answer from their reply cache; older nonces are ignored by replicas.
func (c *Client) Resubmit(ctx context.Context, nonce uint64, op []byte) (consensus.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := consensus.Request{ClientID: c.config.ClientID, Nonce: nonce, Operation: op}
	return c.invoke(ctx, req)
}

// Nonce returns the last nonce handed out.
func (c *Client) Nonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce
}

func (c *Client) invoke(ctx context.Context, req consensus.Request) (consensus.Reply, error) {
	atomic.AddInt64(&c.submitted, 1)

	collector := NewReplyCollector(req, c.config.F, c.digester)
	backoff := c.config.Backoff
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			atomic.AddInt64(&c.retries, 1)
			c.logger.Warn().
				Uint64("nonce", req.Nonce).
				Int("attempt", attempt).
				Int("responded", collector.Responded()).
				Msg("No reply quorum, retransmitting")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				atomic.AddInt64(&c.failed, 1)
				return consensus.Reply{}, ctx.Err()
			}
			backoff *= 2
			if backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
		}

		if err := c.attempt(ctx, req, collector); err != nil {
			lastErr = err
		}
		if reply, ok := collector.Result(); ok {
			atomic.AddInt64(&c.accepted, 1)
			c.logger.Debug().Uint64("nonce", req.Nonce).Uint64("seq", uint64(reply.Seq)).Msg("Reply accepted")
			return reply, nil
		}
		if ctx.Err() != nil {
			atomic.AddInt64(&c.failed, 1)
			return consensus.Reply{}, ctx.Err()
		}
	}

	atomic.AddInt64(&c.failed, 1)
	if lastErr != nil {
		return consensus.Reply{}, errors.Wrapf(ErrUnavailable, "after %d attempts: %v", c.config.MaxAttempts, lastErr)
	}
	return consensus.Reply{}, errors.Wrapf(ErrUnavailable, "after %d attempts", c.config.MaxAttempts)
}

// attempt sends req to every replica that has not answered yet and waits
// until a quorum forms or the attempt times out. It returns the first
// replica error, if any.
func (c *Client) attempt(ctx context.Context, req consensus.Request, collector *ReplyCollector) error {
	actx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	var g errgroup.Group
	for _, r := range c.replicas {
		if collector.Voted(r.ID()) {
			continue
		}
		g.Go(func() error {
			reply, err := r.Submit(actx, req)
			if err != nil {
				return errors.Wrapf(err, "replica %d", r.ID())
			}
			if _, ok := collector.Add(r.ID(), reply); ok {
				cancel()
			}
			return nil
		})
	}
	err := g.Wait()
	if _, ok := collector.Result(); ok {
		return nil
	}
	return err
}

// GetStats returns client statistics.
func (c *Client) GetStats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&c.submitted),
		Accepted:  atomic.LoadInt64(&c.accepted),
		Retries:   atomic.LoadInt64(&c.retries),
		Failed:    atomic.LoadInt64(&c.failed),
	}
}

// Dial opens a gRPC connection to each replica address. The returned
// function closes them.
func Dial(addresses map[consensus.NodeID]string, token string) ([]Replica, func(), error) {
	ids := make([]consensus.NodeID, 0, len(addresses))
	for id := range addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var conns []*api.ReplicaClient
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	replicas := make([]Replica, 0, len(ids))
	for _, id := range ids {
		rc, err := api.NewReplicaClient(id, addresses[id], token)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, rc)
		replicas = append(replicas, rc)
	}
	return replicas, closeAll, nil
}
