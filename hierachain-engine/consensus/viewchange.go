package consensus

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// startViewChange moves the replica to VIEW-CHANGING(target) and announces it.
func (r *Replica) startViewChange(target View) {
	if target <= r.view {
		return
	}

	r.view = target
	r.status = StatusViewChanging
	r.stopRequestTimer()

	vc := &ViewChange{
		NewView:           target,
		LastCheckpointSeq: r.low,
		Checkpoints:       r.checkpointRefs(),
		Prepared:          r.msgs.PreparedCerts(r.low, r.high()),
		PrePrepared:       r.msgs.AcceptedProposals(r.low, r.high()),
		Sender:            r.cfg.ID,
	}

	r.logger.Info().
		Uint64("target", uint64(target)).
		Uint64("checkpoint", uint64(r.low)).
		Int("prepared", len(vc.Prepared)).
		Dur("timeout", r.vcTimeout).
		Msg("Starting view change")

	r.timers.Schedule(TimerViewChange, r.vcTimeout)
	if r.vcTimeout < r.cfg.viewChangeCap()/2 {
		r.vcTimeout *= 2
	} else {
		r.vcTimeout = r.cfg.viewChangeCap()
	}
	r.obs.OnViewChange(target)

	r.tr.Broadcast(vc)
	r.recordViewChange(vc)
}

func (r *Replica) onViewChange(vc *ViewChange) error {
	if vc.NewView < r.view || (vc.NewView == r.view && r.status == StatusNormal) {
		return ErrStaleView
	}
	if err := r.validateViewChange(vc); err != nil {
		return err
	}
	r.recordViewChange(vc)
	return nil
}

func (r *Replica) recordViewChange(vc *ViewChange) {
	set, ok := r.viewChanges[vc.NewView]
	if !ok {
		set = make(map[NodeID]*ViewChange)
		r.viewChanges[vc.NewView] = set
	}
	if _, dup := set[vc.Sender]; dup {
		return
	}
	set[vc.Sender] = vc

	r.logger.Debug().
		Uint64("target", uint64(vc.NewView)).
		Int("sender", int(vc.Sender)).
		Int("collected", len(set)).
		Msg("Recorded view-change")

	if r.retryPendingNewView(vc.NewView) {
		return
	}

	// f+1 replicas beyond our view include at least one honest replica whose
	// timer expired: join the smallest such view.
	if next, ok := r.joinableView(); ok {
		r.logger.Info().Uint64("target", uint64(next)).Msg("Joining view change backed by f+1 replicas")
		r.startViewChange(next)
		return
	}
	r.maybeSendNewView()
}

// joinableView returns the smallest view above the current one for which
// f+1 distinct replicas have sent view-change messages.
func (r *Replica) joinableView() (View, bool) {
	senders := make(map[NodeID]bool)
	var min View
	for v, set := range r.viewChanges {
		if v <= r.view {
			continue
		}
		for id := range set {
			senders[id] = true
		}
		if min == 0 || v < min {
			min = v
		}
	}
	if len(senders) >= r.cfg.WeakQuorum() {
		return min, true
	}
	return 0, false
}

// maybeSendNewView builds and installs the new view once this replica is the
// target view's primary and holds 2f+1 view-change messages for it.
func (r *Replica) maybeSendNewView() {
	if r.status != StatusViewChanging || !r.IsPrimary() {
		return
	}
	if _, sent := r.newViews[r.view]; sent {
		return
	}
	if len(r.viewChanges[r.view]) < r.cfg.Quorum() {
		return
	}

	vcs := r.sortedViewChanges(r.view)
	plan, err := r.planNewView(r.view, vcs)
	if err != nil {
		r.logger.Info().Err(err).Uint64("view", uint64(r.view)).Msg("Waiting for more view-change messages")
		return
	}

	nv := &NewView{
		NewView:     r.view,
		ViewChanges: vcs,
		PrePrepares: plan.PrePrepares,
		Sender:      r.cfg.ID,
	}
	r.logger.Info().
		Uint64("view", uint64(r.view)).
		Uint64("checkpoint", uint64(plan.Checkpoint.Seq)).
		Int("reissued", len(plan.PrePrepares)).
		Msg("Sending new-view as primary")
	r.tr.Broadcast(nv)
	r.installNewView(nv, plan)
}

func (r *Replica) onNewView(nv *NewView) error {
	if nv.Sender != r.cfg.Primary(nv.NewView) {
		return errors.Wrapf(ErrWrongSender, "new-view for view %d from %d", nv.NewView, nv.Sender)
	}
	if nv.NewView < r.view || (nv.NewView == r.view && r.status == StatusNormal) {
		return ErrStaleView
	}

	plan, err := r.verifyNewView(nv)
	if err != nil {
		r.logger.Warn().Err(err).Int("sender", int(nv.Sender)).Uint64("view", uint64(nv.NewView)).Msg("Rejected new-view")
		if nv.NewView == r.view {
			r.startViewChange(r.view + 1)
		}
		return err
	}

	// Carried view-changes are not signed by their senders; each one must
	// match the copy this replica received directly.
	missing := 0
	for i := range nv.ViewChanges {
		vc := &nv.ViewChanges[i]
		own, ok := r.viewChanges[nv.NewView][vc.Sender]
		if !ok {
			missing++
			continue
		}
		if !sameViewChange(own, vc) {
			r.logger.Warn().Int("sender", int(vc.Sender)).Uint64("view", uint64(nv.NewView)).
				Msg("New-view carries an altered view-change")
			if nv.NewView == r.view {
				r.startViewChange(r.view + 1)
			}
			return errors.Wrapf(ErrInvalidNewView, "view-change from %d differs from the one received", vc.Sender)
		}
	}
	if missing > 0 {
		r.logger.Debug().Int("missing", missing).Uint64("view", uint64(nv.NewView)).
			Msg("Holding new-view until its view-changes arrive")
		r.pendingNV = nv
		return nil
	}

	r.installNewView(nv, plan)
	return nil
}

// retryPendingNewView re-evaluates a held new-view for v and reports whether
// it was installed.
func (r *Replica) retryPendingNewView(v View) bool {
	nv := r.pendingNV
	if nv == nil || nv.NewView != v {
		return false
	}
	r.pendingNV = nil
	if err := r.onNewView(nv); err != nil {
		return false
	}
	return r.view == v && r.status == StatusNormal
}

func sameViewChange(a, b *ViewChange) bool {
	ea, err := json.Marshal(a)
	if err != nil {
		return false
	}
	eb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// verifyNewView checks the carried view-change quorum and recomputes the
// re-issued pre-prepares; the new-view is valid only if they are identical.
func (r *Replica) verifyNewView(nv *NewView) (*NewViewPlan, error) {
	seen := make(map[NodeID]bool)
	for i := range nv.ViewChanges {
		vc := &nv.ViewChanges[i]
		if vc.NewView != nv.NewView {
			return nil, errors.Wrapf(ErrInvalidNewView, "view-change from %d targets view %d", vc.Sender, vc.NewView)
		}
		if seen[vc.Sender] {
			return nil, errors.Wrapf(ErrInvalidNewView, "duplicate view-change from %d", vc.Sender)
		}
		seen[vc.Sender] = true
		if err := r.validateViewChange(vc); err != nil {
			return nil, errors.Wrapf(ErrInvalidNewView, "view-change from %d: %v", vc.Sender, err)
		}
	}
	if len(seen) < r.cfg.Quorum() {
		return nil, errors.Wrapf(ErrInvalidNewView, "only %d view-changes, need %d", len(seen), r.cfg.Quorum())
	}

	vcs := make([]ViewChange, len(nv.ViewChanges))
	copy(vcs, nv.ViewChanges)
	sort.Slice(vcs, func(i, j int) bool { return vcs[i].Sender < vcs[j].Sender })

	plan, err := r.planNewView(nv.NewView, vcs)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidNewView, err.Error())
	}
	if len(plan.PrePrepares) != len(nv.PrePrepares) {
		return nil, errors.Wrapf(ErrInvalidNewView, "expected %d re-issued pre-prepares, got %d",
			len(plan.PrePrepares), len(nv.PrePrepares))
	}
	for i, want := range plan.PrePrepares {
		got := nv.PrePrepares[i]
		if got.View != want.View || got.Seq != want.Seq || got.Digest != want.Digest || got.Sender != want.Sender {
			return nil, errors.Wrapf(ErrInvalidNewView, "re-issued pre-prepare %d differs at seq %d", i, want.Seq)
		}
	}
	return plan, nil
}

// installNewView adopts the new view and replays the re-issued proposals.
func (r *Replica) installNewView(nv *NewView, plan *NewViewPlan) {
	r.view = nv.NewView
	r.status = StatusNormal
	r.newViews[nv.NewView] = nv
	if r.pendingNV != nil && r.pendingNV.NewView <= nv.NewView {
		r.pendingNV = nil
	}
	r.timers.Cancel(TimerViewChange)
	r.vcTimeout = r.cfg.ViewChangeTimeout

	cp := plan.Checkpoint
	if cp.Seq > r.low {
		if r.lastExec >= cp.Seq && r.ownCkpts[cp.Seq] == cp.StateDigest {
			proof := make([]Checkpoint, 0, len(plan.CheckpointVoters))
			for _, id := range plan.CheckpointVoters {
				proof = append(proof, Checkpoint{Seq: cp.Seq, StateDigest: cp.StateDigest, Sender: id})
			}
			r.stabilize(cp.Seq, cp.StateDigest, proof)
		} else {
			r.logger.Warn().
				Uint64("checkpoint", uint64(cp.Seq)).
				Uint64("last_executed", uint64(r.lastExec)).
				Msg("New view starts beyond local execution; replica cannot catch up without state transfer")
		}
	}

	// Requests accepted in earlier views but not re-issued go back to the pool.
	for _, e := range r.msgs.unexecutedBefore(nv.NewView) {
		req := e.Request()
		if req.IsNoop() {
			continue
		}
		if rep, ok := r.replies[req.ClientID]; ok && req.Nonce <= rep.Nonce {
			continue
		}
		_ = r.pool.Add(req)
	}
	r.inflight = make(map[RequestKey]Seq)

	r.nextSeq = plan.MaxSeq
	if r.nextSeq < r.low {
		r.nextSeq = r.low
	}
	for i := range plan.PrePrepares {
		pp := plan.PrePrepares[i]
		if pp.Seq <= r.low {
			continue
		}
		// Above our own window: keep it until a checkpoint moves the window.
		if pp.Seq > r.high() {
			r.buffer(&pp)
			continue
		}
		if err := r.acceptPrePrepare(&pp); err != nil {
			r.logger.Warn().Err(err).Uint64("seq", uint64(pp.Seq)).Msg("Failed to accept re-issued pre-prepare")
		}
	}

	for v := range r.viewChanges {
		if v <= r.view {
			delete(r.viewChanges, v)
		}
	}
	for v := range r.newViews {
		if v < r.view {
			delete(r.newViews, v)
		}
	}

	r.logger.Info().
		Uint64("view", uint64(r.view)).
		Int("primary", int(r.cfg.Primary(r.view))).
		Int("reissued", len(plan.PrePrepares)).
		Msg("Installed new view")
	r.obs.OnNewView(r.view)

	r.replayBuffered()
	if r.IsPrimary() {
		r.propose()
		return
	}
	for _, req := range r.pool.Peek(r.pool.Size()) {
		r.tr.Send(r.cfg.Primary(r.view), &RequestMsg{Request: req, Sender: r.cfg.ID})
	}
	if r.hasOutstanding() {
		r.resetRequestTimer()
	}
}

// validateViewChange checks the internal consistency of a view-change message.
func (r *Replica) validateViewChange(vc *ViewChange) error {
	if vc.Sender < 0 || int(vc.Sender) >= r.cfg.N {
		return errors.Wrapf(ErrInvalidViewChange, "unknown sender %d", vc.Sender)
	}
	if vc.LastCheckpointSeq%r.cfg.CheckpointInterval != 0 {
		return errors.Wrapf(ErrInvalidViewChange, "checkpoint %d is not on an interval boundary", vc.LastCheckpointSeq)
	}

	hasStable := false
	for _, c := range vc.Checkpoints {
		if c.Seq < vc.LastCheckpointSeq || c.Seq%r.cfg.CheckpointInterval != 0 {
			return errors.Wrapf(ErrInvalidViewChange, "unexpected checkpoint %d", c.Seq)
		}
		if c.Seq == vc.LastCheckpointSeq {
			hasStable = true
		}
	}
	if !hasStable {
		return errors.Wrap(ErrInvalidViewChange, "stable checkpoint missing from checkpoint set")
	}

	high := vc.LastCheckpointSeq + r.cfg.WatermarkWindow
	certs := make(map[Seq]bool)
	for i := range vc.Prepared {
		cert := &vc.Prepared[i]
		if cert.Seq <= vc.LastCheckpointSeq || cert.Seq > high {
			return errors.Wrapf(ErrInvalidCertificate, "prepared seq %d outside window", cert.Seq)
		}
		if cert.View >= vc.NewView {
			return errors.Wrapf(ErrInvalidCertificate, "prepared view %d not below %d", cert.View, vc.NewView)
		}
		if certs[cert.Seq] {
			return errors.Wrapf(ErrInvalidCertificate, "duplicate prepared seq %d", cert.Seq)
		}
		certs[cert.Seq] = true
		if err := r.validatePreparedCert(cert); err != nil {
			return err
		}
	}

	accepted := make(map[Seq]bool)
	for _, pp := range vc.PrePrepared {
		if pp.Seq <= vc.LastCheckpointSeq || pp.Seq > high || pp.View >= vc.NewView || accepted[pp.Seq] {
			return errors.Wrapf(ErrInvalidViewChange, "invalid pre-prepared entry at seq %d", pp.Seq)
		}
		accepted[pp.Seq] = true
	}
	return nil
}

// validatePreparedCert checks that cert carries 2f+1 matching prepares from
// distinct replicas for a request with the certified digest.
func (r *Replica) validatePreparedCert(cert *PreparedCert) error {
	if RequestDigest(r.dig, cert.Request) != cert.Digest {
		return errors.Wrapf(ErrInvalidCertificate, "request digest mismatch at seq %d", cert.Seq)
	}
	senders := make(map[NodeID]bool)
	for _, p := range cert.Prepares {
		if p.View != cert.View || p.Seq != cert.Seq || p.Digest != cert.Digest {
			return errors.Wrapf(ErrInvalidCertificate, "mismatched prepare at seq %d", cert.Seq)
		}
		if p.Sender < 0 || int(p.Sender) >= r.cfg.N {
			return errors.Wrapf(ErrInvalidCertificate, "prepare from unknown replica %d", p.Sender)
		}
		senders[p.Sender] = true
	}
	if len(senders) < r.cfg.Quorum() {
		return errors.Wrapf(ErrInvalidCertificate, "%d prepares at seq %d, need %d", len(senders), cert.Seq, r.cfg.Quorum())
	}
	return nil
}

// NewViewPlan is the deterministic outcome of a view-change quorum: the
// starting checkpoint and the proposals the new primary must re-issue.
type NewViewPlan struct {
	Checkpoint       CheckpointRef
	CheckpointVoters []NodeID
	PrePrepares      []PrePrepare
	MaxSeq           Seq
}

// planNewView computes the new view from vcs (sorted by sender). Every
// replica runs the same computation on the same set, so the primary cannot
// invent values: a sequence number that prepared anywhere in the quorum keeps
// its digest, and gaps are filled with no-ops.
func (r *Replica) planNewView(target View, vcs []ViewChange) (*NewViewPlan, error) {
	cp, voters, ok := r.selectCheckpoint(vcs)
	if !ok {
		return nil, errors.Wrap(ErrInvalidNewView, "no checkpoint backed by the view-change set")
	}

	primary := r.cfg.Primary(target)
	type choice struct {
		cert *PreparedCert
		noop bool
	}
	chosen := make(map[Seq]choice)
	maxSeq := cp.Seq

	for n := cp.Seq + 1; n <= cp.Seq+r.cfg.WatermarkWindow; n++ {
		if cert := r.selectPrepared(vcs, n); cert != nil {
			chosen[n] = choice{cert: cert}
			maxSeq = n
			continue
		}

		empty := 0
		proposed := false
		for i := range vcs {
			if vcs[i].LastCheckpointSeq >= n {
				continue
			}
			if !hasPrepared(&vcs[i], n) {
				empty++
			}
			if hasPrePrepared(&vcs[i], n) {
				proposed = true
			}
		}
		if empty < r.cfg.Quorum() {
			return nil, errors.Wrapf(ErrInvalidNewView, "cannot decide sequence number %d", n)
		}
		chosen[n] = choice{noop: true}
		if proposed {
			maxSeq = n
		}
	}

	plan := &NewViewPlan{Checkpoint: cp, CheckpointVoters: voters, MaxSeq: maxSeq}
	for n := cp.Seq + 1; n <= maxSeq; n++ {
		c := chosen[n]
		pp := PrePrepare{View: target, Seq: n, Sender: primary}
		if !c.noop {
			pp.Digest = c.cert.Digest
			pp.Request = c.cert.Request
		}
		plan.PrePrepares = append(plan.PrePrepares, pp)
	}
	return plan, nil
}

// selectCheckpoint picks the highest checkpoint claimed by f+1 view-changes
// and at or above the stable checkpoint of 2f+1 of them.
func (r *Replica) selectCheckpoint(vcs []ViewChange) (CheckpointRef, []NodeID, bool) {
	claims := make(map[CheckpointRef][]NodeID)
	for i := range vcs {
		seen := make(map[CheckpointRef]bool)
		for _, c := range vcs[i].Checkpoints {
			if seen[c] {
				continue
			}
			seen[c] = true
			claims[c] = append(claims[c], vcs[i].Sender)
		}
	}

	candidates := make([]CheckpointRef, 0, len(claims))
	for c := range claims {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Seq != candidates[j].Seq {
			return candidates[i].Seq > candidates[j].Seq
		}
		return bytes.Compare(candidates[i].StateDigest[:], candidates[j].StateDigest[:]) < 0
	})

	for _, c := range candidates {
		if len(claims[c]) < r.cfg.WeakQuorum() {
			continue
		}
		below := 0
		for i := range vcs {
			if vcs[i].LastCheckpointSeq <= c.Seq {
				below++
			}
		}
		if below < r.cfg.Quorum() {
			continue
		}
		voters := append([]NodeID(nil), claims[c]...)
		sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
		return c, voters, true
	}
	return CheckpointRef{}, nil, false
}

// selectPrepared returns the certificate to re-issue at n: one that no
// 2f+1-strong subset contradicts with a later view, and that f+1 replicas
// report having accepted.
func (r *Replica) selectPrepared(vcs []ViewChange, n Seq) *PreparedCert {
	var best *PreparedCert
	for i := range vcs {
		for j := range vcs[i].Prepared {
			m := &vcs[i].Prepared[j]
			if m.Seq != n {
				continue
			}

			consistent := 0
			for k := range vcs {
				if vcs[k].LastCheckpointSeq >= n {
					continue
				}
				if !contradicts(&vcs[k], m) {
					consistent++
				}
			}
			if consistent < r.cfg.Quorum() {
				continue
			}

			accepted := 0
			for k := range vcs {
				for _, pp := range vcs[k].PrePrepared {
					if pp.Seq == n && pp.View >= m.View && pp.Digest == m.Digest {
						accepted++
						break
					}
				}
			}
			if accepted < r.cfg.WeakQuorum() {
				continue
			}

			if best == nil || m.View > best.View ||
				(m.View == best.View && bytes.Compare(m.Digest[:], best.Digest[:]) > 0) {
				best = m
			}
		}
	}
	return best
}

// contradicts reports whether vc prepared something at m.Seq in a later view
// or with a different digest in the same view.
func contradicts(vc *ViewChange, m *PreparedCert) bool {
	for i := range vc.Prepared {
		p := &vc.Prepared[i]
		if p.Seq != m.Seq {
			continue
		}
		if p.View > m.View || (p.View == m.View && p.Digest != m.Digest) {
			return true
		}
	}
	return false
}

func hasPrepared(vc *ViewChange, n Seq) bool {
	for i := range vc.Prepared {
		if vc.Prepared[i].Seq == n {
			return true
		}
	}
	return false
}

func hasPrePrepared(vc *ViewChange, n Seq) bool {
	for _, pp := range vc.PrePrepared {
		if pp.Seq == n {
			return true
		}
	}
	return false
}
