package consensus

import "sort"

// takeCheckpoint records and broadcasts the state digest after seq.
func (r *Replica) takeCheckpoint(seq Seq) {
	r.ownCkpts[seq] = r.stateDigest
	c := &Checkpoint{Seq: seq, StateDigest: r.stateDigest, Sender: r.cfg.ID}
	r.logger.Debug().
		Uint64("seq", uint64(seq)).
		Str("state", r.stateDigest.Short()).
		Msg("Taking checkpoint")
	r.tr.Broadcast(c)
	r.recordCheckpoint(c)
}

func (r *Replica) onCheckpoint(c *Checkpoint) error {
	if c.Seq <= r.low {
		return ErrOutOfWindow
	}
	if c.Seq%r.cfg.CheckpointInterval != 0 {
		return ErrInvalidCertificate
	}
	if c.Seq > r.high() {
		r.buffer(c)
		return nil
	}
	r.recordCheckpoint(c)
	return nil
}

func (r *Replica) recordCheckpoint(c *Checkpoint) {
	if _, eq := r.checkpoints.Add(c.Seq, c.Sender, c.StateDigest); eq != nil {
		r.recordEvidence(Evidence{
			Type: MsgCheckpoint, Seq: c.Seq, Sender: c.Sender,
			First: eq.First, Second: eq.Second,
		})
		return
	}
	msgs, ok := r.ckptMsgs[c.Seq]
	if !ok {
		msgs = make(map[NodeID]Checkpoint)
		r.ckptMsgs[c.Seq] = msgs
	}
	if _, seen := msgs[c.Sender]; !seen {
		msgs[c.Sender] = *c
	}
	r.tryStabilize(c.Seq)
}

// tryStabilize makes the checkpoint at seq stable once 2f+1 replicas agree
// on its state digest and this replica has executed up to it with the same
// digest.
func (r *Replica) tryStabilize(seq Seq) {
	if seq <= r.low {
		return
	}
	certified, ok := r.checkpoints.Certified(seq)
	if !ok {
		return
	}
	own, ok := r.ownCkpts[seq]
	if !ok {
		return
	}
	if own != certified {
		r.logger.Error().
			Uint64("seq", uint64(seq)).
			Str("own", own.Short()).
			Str("certified", certified.Short()).
			Msg("Local state diverges from certified checkpoint")
		return
	}

	var proof []Checkpoint
	for _, c := range r.ckptMsgs[seq] {
		if c.StateDigest == certified {
			proof = append(proof, c)
		}
	}
	sort.Slice(proof, func(i, j int) bool { return proof[i].Sender < proof[j].Sender })

	r.stabilize(seq, certified, proof)
	r.replayBuffered()
	r.propose()
}

// stabilize advances the low watermark to seq and garbage-collects
// everything at or below it.
func (r *Replica) stabilize(seq Seq, state Digest, proof []Checkpoint) {
	if seq <= r.low {
		return
	}
	r.low = seq
	r.stableProof = proof

	removed := r.msgs.GarbageCollect(seq)
	r.checkpoints.Prune(func(s Seq) bool { return s <= seq })
	for s := range r.ckptMsgs {
		if s <= seq {
			delete(r.ckptMsgs, s)
		}
	}
	for s := range r.ownCkpts {
		if s < seq {
			delete(r.ownCkpts, s)
		}
	}
	kept := r.evidence[:0]
	for _, ev := range r.evidence {
		if ev.Seq > seq {
			kept = append(kept, ev)
		}
	}
	r.evidence = kept
	if r.nextSeq < seq {
		r.nextSeq = seq
	}

	r.logger.Info().
		Uint64("seq", uint64(seq)).
		Str("state", state.Short()).
		Int("collected", removed).
		Msg("Checkpoint stable")
	r.obs.OnStableCheckpoint(seq, state)
}

// checkpointRefs lists the stable checkpoint and every later checkpoint this
// replica has taken.
func (r *Replica) checkpointRefs() []CheckpointRef {
	refs := make([]CheckpointRef, 0, len(r.ownCkpts))
	for seq, d := range r.ownCkpts {
		if seq >= r.low {
			refs = append(refs, CheckpointRef{Seq: seq, StateDigest: d})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Seq < refs[j].Seq })
	return refs
}

// StableCheckpoint returns the last stable checkpoint and the 2f+1
// checkpoint messages that made it stable. The genesis checkpoint has no
// proof.
func (r *Replica) StableCheckpoint() (CheckpointRef, []Checkpoint) {
	proof := make([]Checkpoint, len(r.stableProof))
	copy(proof, r.stableProof)
	return CheckpointRef{Seq: r.low, StateDigest: r.ownCkpts[r.low]}, proof
}
