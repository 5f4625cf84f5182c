package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// NodeStatus represents the lifecycle state of a node.
type NodeStatus int

const (
	StatusStopped NodeStatus = iota
	StatusRunning
	StatusShutdown
)

func (s NodeStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Node errors
var (
	ErrNotRunning     = errors.New("node not running")
	ErrAlreadyRunning = errors.New("node already running")
	ErrInboxFull      = errors.New("node inbox full")
)

// Network carries one node's outbound replica traffic.
type Network interface {
	Broadcast(msg consensus.Message)
	Send(to consensus.NodeID, msg consensus.Message)
}

// NodeConfig contains configuration for a node.
type NodeConfig struct {
	Consensus   consensus.Config
	InboxSize   int
	HistorySize int
}

// DefaultNodeConfig returns default configuration for replica id.
func DefaultNodeConfig(id consensus.NodeID) NodeConfig {
	return NodeConfig{
		Consensus:   consensus.DefaultConfig(id),
		InboxSize:   10000,
		HistorySize: 1000,
	}
}

// Dependencies are the collaborators of a node.
type Dependencies struct {
	App      consensus.Application
	Network  Network
	Digester consensus.Digester
	Observer consensus.Observer
	Logger   *zerolog.Logger
}

type eventKind int

const (
	evMessage eventKind = iota
	evSubmit
	evCancel
	evTimeout
	evStatus
)

type submitResult struct {
	reply consensus.Reply
	err   error
}

type event struct {
	kind   eventKind
	msg    consensus.Message
	req    consensus.Request
	result chan submitResult
	timer  consensus.TimerKind
	gen    uint64
	status chan consensus.Status
}

// Node runs one replica on a single event-loop goroutine. Network messages,
// client submissions and timer expiries are all serialized through its inbox.
type Node struct {
	config  NodeConfig
	replica *consensus.Replica
	timers  *timerScheduler
	logger  zerolog.Logger

	inbox chan event

	// owned by the event loop
	waiters map[consensus.RequestKey][]chan submitResult

	history     []consensus.Execution
	historyNext int
	historyMu   sync.RWMutex

	status NodeStatus
	mu     sync.RWMutex

	// Stats
	messagesReceived int64
	messagesRejected int64
	requestsAccepted int64
	executed         int64
	viewChanges      int64

	// Control
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNode creates a node around a fresh replica.
func NewNode(config NodeConfig, deps Dependencies) (*Node, error) {
	if deps.Network == nil {
		return nil, errors.New("node requires a network")
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 10000
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	n := &Node{
		config:  config,
		logger:  logger.With().Int("node", int(config.Consensus.ID)).Logger(),
		inbox:   make(chan event, config.InboxSize),
		waiters: make(map[consensus.RequestKey][]chan submitResult),
		history: make([]consensus.Execution, 0, config.HistorySize),
		stopCh:  make(chan struct{}),
	}
	n.timers = newTimerScheduler(n.postTimeout)

	observers := consensus.Observers{nodeObserver{n}}
	if deps.Observer != nil {
		observers = append(observers, deps.Observer)
	}

	replica, err := consensus.NewReplica(config.Consensus, consensus.Dependencies{
		App:       deps.App,
		Transport: &nodeTransport{node: n, net: deps.Network},
		Digester:  deps.Digester,
		Timers:    n.timers,
		Observer:  observers,
		Logger:    &logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create replica")
	}
	n.replica = replica
	return n, nil
}

// ID returns the replica id of the node.
func (n *Node) ID() consensus.NodeID {
	return n.config.Consensus.ID
}

// Start begins the event loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusStopped {
		return ErrAlreadyRunning
	}
	n.status = StatusRunning

	n.wg.Add(1)
	go n.run()

	n.logger.Info().
		Int("n", n.config.Consensus.N).
		Int("f", n.config.Consensus.F).
		Msg("Node started")
	return nil
}

// Stop stops the event loop and pending timers.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.status != StatusRunning {
		n.mu.Unlock()
		return
	}
	n.status = StatusShutdown
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()
	n.timers.stopAll()
	n.logger.Info().Msg("Node stopped")
}

// IsRunning reports whether the event loop is accepting events.
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status == StatusRunning
}

func (n *Node) run() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			n.failWaiters(ErrNotRunning)
			return
		case ev := <-n.inbox:
			n.handle(ev)
		}
	}
}

func (n *Node) handle(ev event) {
	switch ev.kind {
	case evMessage:
		atomic.AddInt64(&n.messagesReceived, 1)
		if err := n.replica.Handle(ev.msg); err != nil {
			atomic.AddInt64(&n.messagesRejected, 1)
			log := n.logger.Debug()
			if !consensus.IsRejection(err) {
				log = n.logger.Warn()
			}
			log.Err(err).
				Str("type", ev.msg.Type().String()).
				Int("from", int(ev.msg.From())).
				Msg("Message rejected")
		}

	case evSubmit:
		key := ev.req.Key()
		n.waiters[key] = append(n.waiters[key], ev.result)
		if err := n.replica.Submit(ev.req); err != nil {
			n.removeWaiter(key, ev.result)
			ev.result <- submitResult{err: err}
			return
		}
		atomic.AddInt64(&n.requestsAccepted, 1)

	case evCancel:
		n.removeWaiter(ev.req.Key(), ev.result)

	case evTimeout:
		if n.timers.current(ev.timer, ev.gen) {
			n.replica.OnTimeout(ev.timer)
		}

	case evStatus:
		ev.status <- n.replica.Status()
	}
}

func (n *Node) enqueue(ev event) error {
	if !n.IsRunning() {
		return ErrNotRunning
	}
	select {
	case n.inbox <- ev:
		return nil
	default:
		return ErrInboxFull
	}
}

// Deliver queues a message from another replica. It never blocks.
func (n *Node) Deliver(msg consensus.Message) error {
	return n.enqueue(event{kind: evMessage, msg: msg})
}

// Submit hands req to the local replica and waits until this replica has
// executed it or resent its cached reply.
func (n *Node) Submit(ctx context.Context, req consensus.Request) (consensus.Reply, error) {
	result := make(chan submitResult, 1)
	if err := n.enqueue(event{kind: evSubmit, req: req, result: result}); err != nil {
		return consensus.Reply{}, err
	}

	select {
	case res := <-result:
		return res.reply, res.err
	case <-ctx.Done():
		_ = n.enqueue(event{kind: evCancel, req: req, result: result})
		return consensus.Reply{}, ctx.Err()
	}
}

// Status returns a consistent snapshot of the replica state.
func (n *Node) Status(ctx context.Context) (consensus.Status, error) {
	ch := make(chan consensus.Status, 1)
	if err := n.enqueue(event{kind: evStatus, status: ch}); err != nil {
		return consensus.Status{}, err
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return consensus.Status{}, ctx.Err()
	}
}

func (n *Node) postTimeout(kind consensus.TimerKind, gen uint64) {
	select {
	case n.inbox <- event{kind: evTimeout, timer: kind, gen: gen}:
	case <-n.stopCh:
	}
}

func (n *Node) notifyReply(r consensus.Reply) {
	key := consensus.RequestKey{ClientID: r.ClientID, Nonce: r.Nonce}
	for _, w := range n.waiters[key] {
		w <- submitResult{reply: r}
	}
	delete(n.waiters, key)
}

func (n *Node) removeWaiter(key consensus.RequestKey, w chan submitResult) {
	list := n.waiters[key]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(n.waiters, key)
		return
	}
	n.waiters[key] = list
}

func (n *Node) failWaiters(err error) {
	for key, list := range n.waiters {
		for _, w := range list {
			w <- submitResult{err: err}
		}
		delete(n.waiters, key)
	}
}

func (n *Node) recordExecution(e consensus.Execution) {
	atomic.AddInt64(&n.executed, 1)

	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	if len(n.history) < n.config.HistorySize {
		n.history = append(n.history, e)
		return
	}
	n.history[n.historyNext] = e
	n.historyNext = (n.historyNext + 1) % n.config.HistorySize
}

// History returns the most recent executions, oldest first.
func (n *Node) History() []consensus.Execution {
	n.historyMu.RLock()
	defer n.historyMu.RUnlock()

	out := make([]consensus.Execution, 0, len(n.history))
	out = append(out, n.history[n.historyNext:]...)
	out = append(out, n.history[:n.historyNext]...)
	return out
}

// NodeStats contains node statistics.
type NodeStats struct {
	Status           string `json:"status"`
	MessagesReceived int64  `json:"messages_received"`
	MessagesRejected int64  `json:"messages_rejected"`
	RequestsAccepted int64  `json:"requests_accepted"`
	Executed         int64  `json:"executed"`
	ViewChanges      int64  `json:"view_changes"`
	InboxPending     int    `json:"inbox_pending"`
}

// GetStats returns node statistics.
func (n *Node) GetStats() NodeStats {
	n.mu.RLock()
	status := n.status
	n.mu.RUnlock()

	return NodeStats{
		Status:           status.String(),
		MessagesReceived: atomic.LoadInt64(&n.messagesReceived),
		MessagesRejected: atomic.LoadInt64(&n.messagesRejected),
		RequestsAccepted: atomic.LoadInt64(&n.requestsAccepted),
		Executed:         atomic.LoadInt64(&n.executed),
		ViewChanges:      atomic.LoadInt64(&n.viewChanges),
		InboxPending:     len(n.inbox),
	}
}

// nodeTransport routes replica output: protocol messages to the network and
// client replies to local waiters.
type nodeTransport struct {
	node *Node
	net  Network
}

func (t *nodeTransport) Broadcast(msg consensus.Message)                 { t.net.Broadcast(msg) }
func (t *nodeTransport) Send(to consensus.NodeID, msg consensus.Message) { t.net.Send(to, msg) }
func (t *nodeTransport) Reply(r consensus.Reply)                         { t.node.notifyReply(r) }

type nodeObserver struct {
	node *Node
}

func (o nodeObserver) OnExecute(e consensus.Execution)                    { o.node.recordExecution(e) }
func (o nodeObserver) OnCommitted(consensus.Slot)                         {}
func (o nodeObserver) OnViewChange(consensus.View)                        { atomic.AddInt64(&o.node.viewChanges, 1) }
func (o nodeObserver) OnNewView(consensus.View)                           {}
func (o nodeObserver) OnStableCheckpoint(consensus.Seq, consensus.Digest) {}
func (o nodeObserver) OnEquivocation(consensus.Evidence)                  {}
