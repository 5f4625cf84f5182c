package consensus

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ViewStatus is the view-level state of a replica.
type ViewStatus int

const (
	StatusNormal ViewStatus = iota
	StatusViewChanging
)

func (s ViewStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusViewChanging:
		return "view-changing"
	default:
		return "unknown"
	}
}

const maxEvidence = 1024

// Dependencies are the collaborators a Replica drives.
type Dependencies struct {
	App       Application
	Transport Transport
	Digester  Digester
	Timers    Scheduler
	Observer  Observer
	Logger    *zerolog.Logger
}

// Replica is the per-node pBFT state machine. It is not safe for concurrent
// use: every method must be called from the same goroutine.
type Replica struct {
	cfg    Config
	logger zerolog.Logger
	app    Application
	tr     Transport
	dig    Digester
	timers Scheduler
	obs    Observer

	view   View
	status ViewStatus

	msgs     *MessageLog
	pool     *RequestPool
	inflight map[RequestKey]Seq
	replies  map[string]*Reply

	nextSeq     Seq
	lastExec    Seq
	stateDigest Digest

	low         Seq
	stableProof []Checkpoint
	checkpoints *QuorumTracker[Seq]
	ckptMsgs    map[Seq]map[NodeID]Checkpoint
	ownCkpts    map[Seq]Digest

	viewChanges map[View]map[NodeID]*ViewChange
	newViews    map[View]*NewView
	pendingNV   *NewView
	vcTimeout   time.Duration
	timerOn     bool

	buffered    []Message
	bufferDrops uint64
	evidence    []Evidence
}

// NewReplica creates a replica in view 0 with an empty log.
func NewReplica(cfg Config, deps Dependencies) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.App == nil || deps.Transport == nil || deps.Digester == nil || deps.Timers == nil {
		return nil, errors.New("replica requires an application, transport, digester and scheduler")
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	obs := deps.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	r := &Replica{
		cfg:         cfg,
		logger:      logger.With().Int("replica", int(cfg.ID)).Logger(),
		app:         deps.App,
		tr:          deps.Transport,
		dig:         deps.Digester,
		timers:      deps.Timers,
		obs:         obs,
		msgs:        NewMessageLog(cfg.Quorum()),
		pool:        NewRequestPool(cfg.MaxPending),
		inflight:    make(map[RequestKey]Seq),
		replies:     make(map[string]*Reply),
		checkpoints: NewQuorumTracker[Seq](cfg.Quorum()),
		ckptMsgs:    make(map[Seq]map[NodeID]Checkpoint),
		ownCkpts:    map[Seq]Digest{0: ZeroDigest},
		viewChanges: make(map[View]map[NodeID]*ViewChange),
		newViews:    make(map[View]*NewView),
		vcTimeout:   cfg.ViewChangeTimeout,
	}
	return r, nil
}

// Config returns the replica configuration.
func (r *Replica) Config() Config { return r.cfg }

// View returns the current view, or the target view during a view change.
func (r *Replica) View() View { return r.view }

// ViewStatus returns whether the replica is in normal operation.
func (r *Replica) ViewStatus() ViewStatus { return r.status }

// IsPrimary reports whether this replica leads the current view.
func (r *Replica) IsPrimary() bool { return r.cfg.Primary(r.view) == r.cfg.ID }

// LastExecuted returns the highest executed sequence number.
func (r *Replica) LastExecuted() Seq { return r.lastExec }

// StateDigest returns the running digest over executed entries.
func (r *Replica) StateDigest() Digest { return r.stateDigest }

// LowWatermark returns the last stable checkpoint.
func (r *Replica) LowWatermark() Seq { return r.low }

func (r *Replica) high() Seq { return r.low + r.cfg.WatermarkWindow }

func (r *Replica) inWindow(seq Seq) bool { return seq > r.low && seq <= r.high() }

// Status is a point-in-time summary of the replica.
type Status struct {
	ID            NodeID `json:"id"`
	View          View   `json:"view"`
	Primary       NodeID `json:"primary"`
	ViewStatus    string `json:"view_status"`
	LastExecuted  Seq    `json:"last_executed"`
	LowWatermark  Seq    `json:"low_watermark"`
	HighWatermark Seq    `json:"high_watermark"`
	StateDigest   Digest `json:"state_digest"`
	Pending       int    `json:"pending"`
	InFlight      int    `json:"in_flight"`
	LogSize       int    `json:"log_size"`
	Buffered      int    `json:"buffered"`
	BufferDropped uint64 `json:"buffer_dropped"`
	Evidence      int    `json:"evidence"`
}

// Status returns a summary of the replica state.
func (r *Replica) Status() Status {
	return Status{
		ID:            r.cfg.ID,
		View:          r.view,
		Primary:       r.cfg.Primary(r.view),
		ViewStatus:    r.status.String(),
		LastExecuted:  r.lastExec,
		LowWatermark:  r.low,
		HighWatermark: r.high(),
		StateDigest:   r.stateDigest,
		Pending:       r.pool.Size(),
		InFlight:      len(r.inflight),
		LogSize:       r.msgs.Len(),
		Buffered:      len(r.buffered),
		BufferDropped: r.bufferDrops,
		Evidence:      len(r.evidence),
	}
}

// Evidence returns the equivocations recorded inside the current window.
func (r *Replica) Evidence() []Evidence {
	out := make([]Evidence, len(r.evidence))
	copy(out, r.evidence)
	return out
}

// CachedReply returns the last reply sent to a client.
func (r *Replica) CachedReply(clientID string) (Reply, bool) {
	rep, ok := r.replies[clientID]
	if !ok {
		return Reply{}, false
	}
	return *rep, true
}

// Submit handles a request received directly from a client.
func (r *Replica) Submit(req Request) error {
	return r.onRequest(req, false)
}

// Handle processes a message delivered by the transport.
func (r *Replica) Handle(msg Message) error {
	if req, ok := msg.(*RequestMsg); ok {
		return r.onRequest(req.Request, req.Sender >= 0)
	}
	if from := msg.From(); from < 0 || int(from) >= r.cfg.N {
		return errors.Wrapf(ErrWrongSender, "unknown replica %d", from)
	}

	switch m := msg.(type) {
	case *PrePrepare:
		return r.onPrePrepare(m)
	case *Prepare:
		return r.onPrepare(m)
	case *Commit:
		return r.onCommit(m)
	case *Checkpoint:
		return r.onCheckpoint(m)
	case *ViewChange:
		return r.onViewChange(m)
	case *NewView:
		return r.onNewView(m)
	default:
		return ErrUnknownMessage
	}
}

// OnTimeout reports the expiry of a timer armed through the Scheduler.
func (r *Replica) OnTimeout(kind TimerKind) {
	switch kind {
	case TimerRequest:
		r.timerOn = false
		if r.status != StatusNormal {
			return
		}
		r.logger.Warn().
			Uint64("view", uint64(r.view)).
			Int("pending", r.pool.Size()).
			Int("in_flight", len(r.inflight)).
			Msg("Request timer expired, suspecting primary")
		r.startViewChange(r.view + 1)
	case TimerViewChange:
		if r.status != StatusViewChanging {
			return
		}
		r.logger.Warn().Uint64("view", uint64(r.view)).Msg("View change timed out")
		r.startViewChange(r.view + 1)
	}
}

func (r *Replica) onRequest(req Request, forwarded bool) error {
	if req.IsNoop() || req.ClientID == "" {
		return ErrInvalidRequest
	}

	if rep, ok := r.replies[req.ClientID]; ok {
		if req.Nonce < rep.Nonce {
			r.logger.Debug().Str("request", req.Key().String()).Msg("Ignoring stale request")
			return nil
		}
		if req.Nonce == rep.Nonce {
			r.tr.Reply(*rep)
			return nil
		}
	}

	key := req.Key()
	if _, ok := r.inflight[key]; ok {
		return nil
	}
	if err := r.pool.Add(req); err != nil {
		if errors.Is(err, ErrRequestQueued) {
			return nil
		}
		return err
	}

	if r.status != StatusNormal {
		return nil
	}
	if r.IsPrimary() {
		r.propose()
		return nil
	}
	if !forwarded {
		r.tr.Send(r.cfg.Primary(r.view), &RequestMsg{Request: req, Sender: r.cfg.ID})
	}
	r.startRequestTimer()
	return nil
}

// propose assigns sequence numbers to queued requests while the window has room.
func (r *Replica) propose() {
	for r.status == StatusNormal && r.IsPrimary() && r.pool.Size() > 0 {
		seq := r.nextSeq + 1
		if !r.inWindow(seq) {
			r.logger.Debug().Uint64("seq", uint64(seq)).Msg("Watermark window full, holding requests")
			return
		}
		req, err := r.pool.Pop()
		if err != nil {
			return
		}
		if rep, ok := r.replies[req.ClientID]; ok && req.Nonce <= rep.Nonce {
			continue
		}
		if _, ok := r.inflight[req.Key()]; ok {
			continue
		}

		r.nextSeq = seq
		pp := &PrePrepare{
			View:    r.view,
			Seq:     seq,
			Digest:  RequestDigest(r.dig, req),
			Request: req,
			Sender:  r.cfg.ID,
		}
		r.logger.Debug().
			Uint64("view", uint64(pp.View)).
			Uint64("seq", uint64(seq)).
			Str("digest", pp.Digest.Short()).
			Msg("Proposing request")
		r.tr.Broadcast(pp)
		if err := r.acceptPrePrepare(pp); err != nil {
			r.logger.Error().Err(err).Uint64("seq", uint64(seq)).Msg("Failed to accept own pre-prepare")
		}
	}
}

func (r *Replica) onPrePrepare(pp *PrePrepare) error {
	if pp.Sender != r.cfg.Primary(pp.View) {
		return errors.Wrapf(ErrWrongSender, "pre-prepare for view %d from %d", pp.View, pp.Sender)
	}
	if pp.View < r.view {
		return ErrStaleView
	}
	if pp.View > r.view || r.status != StatusNormal {
		r.buffer(pp)
		return nil
	}
	if pp.Seq <= r.low {
		return ErrOutOfWindow
	}
	if pp.Seq > r.high() {
		r.buffer(pp)
		return nil
	}
	if RequestDigest(r.dig, pp.Request) != pp.Digest {
		return ErrDigestMismatch
	}
	return r.acceptPrePrepare(pp)
}

// acceptPrePrepare records pp and sends this replica's prepare. Callers have
// already checked view, window and digest.
func (r *Replica) acceptPrePrepare(pp *PrePrepare) error {
	e := r.msgs.getOrCreate(pp.Slot())
	if e.PrePrepare != nil {
		if e.PrePrepare.Digest == pp.Digest {
			return nil
		}
		r.recordEvidence(Evidence{
			Type:   MsgPrePrepare,
			View:   pp.View,
			Seq:    pp.Seq,
			Sender: pp.Sender,
			First:  e.PrePrepare.Digest,
			Second: pp.Digest,
		})
		return ErrConflictingPrePrepare
	}
	if err := e.advance(EntryPrePrepared); err != nil {
		return err
	}
	e.PrePrepare = pp
	r.msgs.recordAccepted(pp)

	if !pp.Request.IsNoop() {
		key := pp.Request.Key()
		if rep, ok := r.replies[key.ClientID]; !ok || key.Nonce > rep.Nonce {
			r.inflight[key] = pp.Seq
		}
		r.pool.Remove(key)
	}
	if r.hasOutstanding() {
		r.resetRequestTimer()
	}

	r.logger.Debug().
		Uint64("view", uint64(pp.View)).
		Uint64("seq", uint64(pp.Seq)).
		Str("digest", pp.Digest.Short()).
		Msg("Accepted pre-prepare")

	if !e.sentPrepare {
		e.sentPrepare = true
		p := &Prepare{View: pp.View, Seq: pp.Seq, Digest: pp.Digest, Sender: r.cfg.ID}
		r.tr.Broadcast(p)
		r.recordPrepare(p)
	}
	r.tryPrepared(e)
	return nil
}

func (r *Replica) onPrepare(p *Prepare) error {
	if p.View < r.view {
		return ErrStaleView
	}
	if p.View > r.view || r.status != StatusNormal {
		r.buffer(p)
		return nil
	}
	if p.Seq <= r.low {
		return ErrOutOfWindow
	}
	if p.Seq > r.high() {
		r.buffer(p)
		return nil
	}

	r.recordPrepare(p)
	if e, ok := r.msgs.Get(p.Slot()); ok {
		r.tryPrepared(e)
	}
	return nil
}

func (r *Replica) recordPrepare(p *Prepare) {
	if _, eq := r.msgs.AddPrepare(p); eq != nil {
		r.recordEvidence(Evidence{
			Type: MsgPrepare, View: p.View, Seq: p.Seq, Sender: p.Sender,
			First: eq.First, Second: eq.Second,
		})
	}
}

// tryPrepared forms the prepared certificate once 2f+1 prepares match the
// accepted digest, then sends this replica's commit.
func (r *Replica) tryPrepared(e *Entry) {
	if e.State != EntryPrePrepared {
		return
	}
	if r.msgs.PrepareCount(e.Slot, e.Digest()) < r.cfg.Quorum() {
		return
	}

	cert := r.msgs.prepareCert(e)
	if err := e.advance(EntryPrepared); err != nil {
		r.logger.Error().Err(err).Msg("Prepared transition rejected")
		return
	}
	e.Prepared = cert
	r.msgs.recordCert(cert)

	r.logger.Debug().
		Uint64("view", uint64(e.Slot.View)).
		Uint64("seq", uint64(e.Slot.Seq)).
		Str("digest", e.Digest().Short()).
		Msg("Prepared")

	if !e.sentCommit {
		e.sentCommit = true
		c := &Commit{View: e.Slot.View, Seq: e.Slot.Seq, Digest: e.Digest(), Sender: r.cfg.ID}
		r.tr.Broadcast(c)
		r.recordCommit(c)
	}
	r.tryCommitted(e)
}

// onCommit accepts commits for older views too, so entries prepared before a
// view change can still complete.
func (r *Replica) onCommit(c *Commit) error {
	if c.View > r.view || (c.View == r.view && r.status != StatusNormal) {
		r.buffer(c)
		return nil
	}
	if c.Seq <= r.low {
		return ErrOutOfWindow
	}
	if c.Seq > r.high() {
		r.buffer(c)
		return nil
	}

	r.recordCommit(c)
	if e, ok := r.msgs.Get(c.Slot()); ok {
		r.tryCommitted(e)
	}
	return nil
}

func (r *Replica) recordCommit(c *Commit) {
	if _, eq := r.msgs.AddCommit(c); eq != nil {
		r.recordEvidence(Evidence{
			Type: MsgCommit, View: c.View, Seq: c.Seq, Sender: c.Sender,
			First: eq.First, Second: eq.Second,
		})
	}
}

func (r *Replica) tryCommitted(e *Entry) {
	if e.State != EntryPrepared {
		return
	}
	if r.msgs.CommitCount(e.Slot, e.Digest()) < r.cfg.Quorum() {
		return
	}
	if err := e.advance(EntryCommitted); err != nil {
		r.logger.Error().Err(err).Msg("Committed transition rejected")
		return
	}
	e.CommitVoters = r.msgs.commits.Senders(e.Slot, e.Digest())
	r.obs.OnCommitted(e.Slot)

	r.logger.Debug().
		Uint64("view", uint64(e.Slot.View)).
		Uint64("seq", uint64(e.Slot.Seq)).
		Str("digest", e.Digest().Short()).
		Msg("Committed")

	if e.Slot.Seq <= r.lastExec {
		// Re-proposed after a view change; already executed in an earlier view.
		_ = e.advance(EntryExecuted)
		return
	}
	r.msgs.markCommitted(e)
	r.executeReady()
}

// executeReady executes committed entries strictly in sequence order.
func (r *Replica) executeReady() {
	progressed := false
	for {
		e, ok := r.msgs.committedAt(r.lastExec + 1)
		if !ok {
			break
		}
		r.execute(e)
		progressed = true
	}
	switch {
	case !r.hasOutstanding():
		r.stopRequestTimer()
	case progressed:
		r.resetRequestTimer()
	default:
		r.startRequestTimer()
	}
}

func (r *Replica) execute(e *Entry) {
	seq := e.Slot.Seq
	req := e.Request()
	exec := Execution{
		Seq:     seq,
		View:    e.Slot.View,
		Digest:  e.Digest(),
		Request: req,
		Noop:    req.IsNoop(),
	}

	if !exec.Noop {
		key := req.Key()
		if rep, ok := r.replies[req.ClientID]; ok && req.Nonce <= rep.Nonce {
			exec.Duplicate = true
			if req.Nonce == rep.Nonce {
				r.tr.Reply(*rep)
			}
		} else {
			exec.Result = r.app.Execute(req.Operation)
			exec.ResultDigest = r.dig.Digest(exec.Result)
			rep := &Reply{
				ClientID:     req.ClientID,
				Nonce:        req.Nonce,
				View:         r.view,
				Seq:          seq,
				ResultDigest: exec.ResultDigest,
				Result:       exec.Result,
				Replica:      r.cfg.ID,
			}
			r.replies[req.ClientID] = rep
			r.tr.Reply(*rep)
		}
		delete(r.inflight, key)
		r.pool.Remove(key)
	}

	r.stateDigest = ChainDigest(r.dig, r.stateDigest, seq, exec.Digest, exec.ResultDigest)
	exec.StateDigest = r.stateDigest
	e.Result = exec.Result
	e.ResultDigest = exec.ResultDigest
	if err := e.advance(EntryExecuted); err != nil {
		r.logger.Error().Err(err).Msg("Executed transition rejected")
	}
	r.lastExec = seq
	delete(r.msgs.committed, seq)

	r.logger.Info().
		Uint64("view", uint64(e.Slot.View)).
		Uint64("seq", uint64(seq)).
		Str("digest", exec.Digest.Short()).
		Bool("noop", exec.Noop).
		Bool("duplicate", exec.Duplicate).
		Msg("Executed")
	r.obs.OnExecute(exec)

	if seq%r.cfg.CheckpointInterval == 0 {
		r.takeCheckpoint(seq)
	}
}

func (r *Replica) hasOutstanding() bool {
	return r.pool.Size() > 0 || len(r.inflight) > 0
}

func (r *Replica) startRequestTimer() {
	if !r.timerOn {
		r.resetRequestTimer()
	}
}

func (r *Replica) resetRequestTimer() {
	r.timers.Schedule(TimerRequest, r.cfg.RequestTimeout)
	r.timerOn = true
}

func (r *Replica) stopRequestTimer() {
	if r.timerOn {
		r.timers.Cancel(TimerRequest)
		r.timerOn = false
	}
}

// buffer holds a message for a future view or window. When full, the oldest
// buffered message is discarded and counted.
func (r *Replica) buffer(msg Message) {
	if len(r.buffered) >= r.cfg.MaxBuffered {
		r.bufferDrops++
		r.logger.Warn().
			Int("limit", r.cfg.MaxBuffered).
			Str("dropped", r.buffered[0].Type().String()).
			Uint64("total_dropped", r.bufferDrops).
			Msg("Message buffer full, discarding oldest")
		r.buffered = r.buffered[1:]
	}
	r.buffered = append(r.buffered, msg)
}

// replayBuffered re-delivers buffered messages; those still early are
// buffered again.
func (r *Replica) replayBuffered() {
	if len(r.buffered) == 0 {
		return
	}
	pending := r.buffered
	r.buffered = nil
	for _, msg := range pending {
		if err := r.Handle(msg); err != nil {
			r.logger.Debug().Err(err).Str("type", msg.Type().String()).Msg("Dropped buffered message")
		}
	}
}

func (r *Replica) recordEvidence(ev Evidence) {
	r.logger.Warn().
		Str("type", ev.Type.String()).
		Int("sender", int(ev.Sender)).
		Uint64("view", uint64(ev.View)).
		Uint64("seq", uint64(ev.Seq)).
		Str("first", ev.First.Short()).
		Str("second", ev.Second.Short()).
		Msg("Equivocation detected")
	if len(r.evidence) >= maxEvidence {
		r.evidence = r.evidence[1:]
	}
	r.evidence = append(r.evidence, ev)
	r.obs.OnEquivocation(ev)
}

// sortedViewChanges returns the view-change messages for v ordered by sender.
func (r *Replica) sortedViewChanges(v View) []ViewChange {
	set := r.viewChanges[v]
	out := make([]ViewChange, 0, len(set))
	for _, vc := range set {
		out = append(out, *vc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out
}
