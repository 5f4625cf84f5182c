package consensus

import "sort"

// MessageLog stores entries, votes and certificates for the active window.
// Entries are indexed by slot so several sequence numbers can be in flight
// at once; committed entries are also indexed by sequence number alone for
// in-order execution across views.
type MessageLog struct {
	entries   map[Slot]*Entry
	prepares  *QuorumTracker[Slot]
	commits   *QuorumTracker[Slot]
	certs     map[Seq]*PreparedCert
	accepted  map[Seq]PrePrepared
	committed map[Seq]*Entry
}

// NewMessageLog creates an empty log certifying at quorum votes.
func NewMessageLog(quorum int) *MessageLog {
	return &MessageLog{
		entries:   make(map[Slot]*Entry),
		prepares:  NewQuorumTracker[Slot](quorum),
		commits:   NewQuorumTracker[Slot](quorum),
		certs:     make(map[Seq]*PreparedCert),
		accepted:  make(map[Seq]PrePrepared),
		committed: make(map[Seq]*Entry),
	}
}

// Get returns the entry at slot.
func (l *MessageLog) Get(slot Slot) (*Entry, bool) {
	e, ok := l.entries[slot]
	return e, ok
}

// getOrCreate returns the entry at slot, creating an idle one if needed.
func (l *MessageLog) getOrCreate(slot Slot) *Entry {
	e, ok := l.entries[slot]
	if !ok {
		e = &Entry{Slot: slot, State: EntryIdle}
		l.entries[slot] = e
	}
	return e
}

// Len returns the number of live entries.
func (l *MessageLog) Len() int {
	return len(l.entries)
}

// AddPrepare records a prepare vote.
func (l *MessageLog) AddPrepare(p *Prepare) (bool, *Equivocation[Slot]) {
	return l.prepares.Add(p.Slot(), p.Sender, p.Digest)
}

// AddCommit records a commit vote.
func (l *MessageLog) AddCommit(c *Commit) (bool, *Equivocation[Slot]) {
	return l.commits.Add(c.Slot(), c.Sender, c.Digest)
}

// PrepareCount returns the matching prepare votes for digest at slot.
func (l *MessageLog) PrepareCount(slot Slot, d Digest) int {
	return l.prepares.Count(slot, d)
}

// CommitCount returns the matching commit votes for digest at slot.
func (l *MessageLog) CommitCount(slot Slot, d Digest) int {
	return l.commits.Count(slot, d)
}

// prepareCert builds the prepared certificate for e from the recorded votes.
func (l *MessageLog) prepareCert(e *Entry) *PreparedCert {
	d := e.Digest()
	voters := l.prepares.Senders(e.Slot, d)
	prepares := make([]Prepare, 0, len(voters))
	for _, id := range voters {
		prepares = append(prepares, Prepare{View: e.Slot.View, Seq: e.Slot.Seq, Digest: d, Sender: id})
	}
	return &PreparedCert{
		View:     e.Slot.View,
		Seq:      e.Slot.Seq,
		Digest:   d,
		Request:  e.Request(),
		Prepares: prepares,
	}
}

// recordCert keeps the highest-view prepared certificate per sequence number.
func (l *MessageLog) recordCert(cert *PreparedCert) {
	if prev, ok := l.certs[cert.Seq]; ok && prev.View >= cert.View {
		return
	}
	l.certs[cert.Seq] = cert
}

// PreparedCerts returns the certificates in (low, high], ordered by sequence
// number.
func (l *MessageLog) PreparedCerts(low, high Seq) []PreparedCert {
	out := make([]PreparedCert, 0, len(l.certs))
	for seq, cert := range l.certs {
		if seq > low && seq <= high {
			out = append(out, *cert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// recordAccepted keeps the highest-view accepted proposal per sequence number.
func (l *MessageLog) recordAccepted(pp *PrePrepare) {
	if prev, ok := l.accepted[pp.Seq]; ok && prev.View >= pp.View {
		return
	}
	l.accepted[pp.Seq] = PrePrepared{View: pp.View, Seq: pp.Seq, Digest: pp.Digest}
}

// AcceptedProposals returns the accepted proposals in (low, high], ordered
// by sequence number.
func (l *MessageLog) AcceptedProposals(low, high Seq) []PrePrepared {
	out := make([]PrePrepared, 0, len(l.accepted))
	for seq, pp := range l.accepted {
		if seq > low && seq <= high {
			out = append(out, pp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// unexecutedBefore returns the accepted entries from views below v that
// have not executed, ordered by sequence number.
func (l *MessageLog) unexecutedBefore(v View) []*Entry {
	var out []*Entry
	for slot, e := range l.entries {
		if slot.View < v && e.State != EntryExecuted && e.PrePrepare != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.Seq < out[j].Slot.Seq })
	return out
}

// markCommitted queues e for execution at its sequence number.
func (l *MessageLog) markCommitted(e *Entry) {
	if _, ok := l.committed[e.Slot.Seq]; !ok {
		l.committed[e.Slot.Seq] = e
	}
}

// committedAt returns the committed entry waiting at seq.
func (l *MessageLog) committedAt(seq Seq) (*Entry, bool) {
	e, ok := l.committed[seq]
	return e, ok
}

// GarbageCollect discards everything at or below seq and returns the number
// of entries removed.
func (l *MessageLog) GarbageCollect(seq Seq) int {
	removed := 0
	for slot := range l.entries {
		if slot.Seq <= seq {
			delete(l.entries, slot)
			removed++
		}
	}
	for s := range l.certs {
		if s <= seq {
			delete(l.certs, s)
		}
	}
	for s := range l.accepted {
		if s <= seq {
			delete(l.accepted, s)
		}
	}
	for s := range l.committed {
		if s <= seq {
			delete(l.committed, s)
		}
	}
	below := func(slot Slot) bool { return slot.Seq <= seq }
	l.prepares.Prune(below)
	l.commits.Prune(below)
	return removed
}

// Evidence returns equivocating prepare and commit votes still in the window.
func (l *MessageLog) Evidence() (prepares, commits []Equivocation[Slot]) {
	return l.prepares.Evidence(), l.commits.Evidence()
}
