package consensus

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestNewReplicaRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig(0)
	cfg.N = 5

	_, err := NewReplica(cfg, Dependencies{
		App:       &recordingApp{},
		Transport: &captureTransport{},
		Digester:  testDigester{},
		Timers:    newFakeTimers(),
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestNormalCaseExecutesEverywhere(t *testing.T) {
	c := newCluster(t, 1, nil)

	c.submit(request("alice", 1, "X"), 0)
	c.run()

	for id, o := range c.obs {
		if got := opsOf(o.execs); !reflect.DeepEqual(got, []string{"1:X"}) {
			t.Errorf("Replica %d executed %v", id, got)
		}
		if len(c.apps[id].ops) != 1 {
			t.Errorf("Replica %d application ran %d times", id, len(c.apps[id].ops))
		}
		if len(c.net.replies[NodeID(id)]) != 1 {
			t.Errorf("Replica %d sent %d replies", id, len(c.net.replies[NodeID(id)]))
		}
	}

	want := c.replicas[0].StateDigest()
	for id, r := range c.replicas {
		if r.StateDigest() != want {
			t.Errorf("Replica %d state digest diverged", id)
		}
		if r.LastExecuted() != 1 {
			t.Errorf("Replica %d last executed %d", id, r.LastExecuted())
		}
	}
}

func TestBackupForwardsToPrimary(t *testing.T) {
	c := newCluster(t, 1, nil)

	c.submit(request("alice", 1, "X"), 2)
	if _, armed := c.timers[2].armed[TimerRequest]; !armed {
		t.Fatal("Expected backup to arm the request timer")
	}
	c.run()

	for id, o := range c.obs {
		if len(o.execs) != 1 {
			t.Errorf("Replica %d executed %d entries", id, len(o.execs))
		}
	}
	if _, armed := c.timers[2].armed[TimerRequest]; armed {
		t.Error("Expected request timer to stop once nothing is outstanding")
	}
}

func TestToleratesOneCrashedReplica(t *testing.T) {
	c := newCluster(t, 1, nil)
	c.net.crashed[3] = true

	for i := uint64(1); i <= 5; i++ {
		c.submit(request("alice", i, "op"), 0)
	}
	c.run()

	for _, id := range []NodeID{0, 1, 2} {
		if got := c.replicas[id].LastExecuted(); got != 5 {
			t.Errorf("Replica %d last executed %d, expected 5", id, got)
		}
	}
	if c.replicas[3].LastExecuted() != 0 {
		t.Error("Crashed replica should not execute")
	}
	c.assertConsistent()
}

func TestTwoPreparesDoNotCertify(t *testing.T) {
	c := newCluster(t, 1, nil)
	c.net.crashed[2] = true
	c.net.crashed[3] = true

	c.submit(request("alice", 1, "X"), 0)
	c.run()

	for _, id := range []NodeID{0, 1} {
		r := c.replicas[id]
		e, ok := r.msgs.Get(Slot{View: 0, Seq: 1})
		if !ok {
			t.Fatalf("Replica %d has no entry for seq 1", id)
		}
		if e.State != EntryPrePrepared {
			t.Errorf("Replica %d entry state %s, expected pre-prepared", id, e.State)
		}
		if r.LastExecuted() != 0 {
			t.Errorf("Replica %d executed without a quorum", id)
		}
	}
}

func TestPrePrepareFromBackupRejected(t *testing.T) {
	r, _, _ := newSingle(t, 1)

	pp := prePrepare(0, 1, request("alice", 1, "X"))
	pp.Sender = 2
	if err := r.Handle(pp); !errors.Is(err, ErrWrongSender) {
		t.Errorf("Expected ErrWrongSender, got %v", err)
	}
}

func TestPrePrepareDigestMismatch(t *testing.T) {
	r, _, _ := newSingle(t, 1)

	pp := prePrepare(0, 1, request("alice", 1, "X"))
	pp.Request.Operation = []byte("Y")
	if err := r.Handle(pp); err != ErrDigestMismatch {
		t.Errorf("Expected ErrDigestMismatch, got %v", err)
	}
}

func TestConflictingPrePrepareRecordsEvidence(t *testing.T) {
	r, _, _ := newSingle(t, 1)

	if err := r.Handle(prePrepare(0, 1, request("alice", 1, "X"))); err != nil {
		t.Fatalf("first pre-prepare: %v", err)
	}
	err := r.Handle(prePrepare(0, 1, request("bob", 1, "Y")))
	if err != ErrConflictingPrePrepare {
		t.Fatalf("Expected ErrConflictingPrePrepare, got %v", err)
	}

	ev := r.Evidence()
	if len(ev) != 1 {
		t.Fatalf("Expected 1 evidence record, got %d", len(ev))
	}
	if ev[0].Type != MsgPrePrepare || ev[0].Sender != 0 {
		t.Errorf("Unexpected evidence %+v", ev[0])
	}
	e, _ := r.msgs.Get(Slot{View: 0, Seq: 1})
	if string(e.Request().Operation) != "X" {
		t.Error("First pre-prepare should stay accepted")
	}
}

func TestEquivocatingPrepareIsNotCounted(t *testing.T) {
	r, _, _ := newSingle(t, 1)
	req := request("alice", 1, "X")
	pp := prePrepare(0, 1, req)
	_ = r.Handle(pp)

	other := testDigester{}.Digest([]byte("other"))
	_ = r.Handle(&Prepare{View: 0, Seq: 1, Digest: other, Sender: 2})
	_ = r.Handle(&Prepare{View: 0, Seq: 1, Digest: pp.Digest, Sender: 2})

	if got := r.msgs.PrepareCount(pp.Slot(), pp.Digest); got != 1 {
		t.Errorf("Expected only the own prepare to count, got %d", got)
	}
	if len(r.Evidence()) != 1 {
		t.Errorf("Expected equivocation evidence, got %d records", len(r.Evidence()))
	}
}

func TestWindowBuffering(t *testing.T) {
	r, _, _ := newSingle(t, 1)

	if err := r.Handle(prePrepare(0, 0, request("alice", 1, "X"))); err != ErrOutOfWindow {
		t.Errorf("Expected ErrOutOfWindow for seq 0, got %v", err)
	}
	if err := r.Handle(prePrepare(0, 21, request("alice", 2, "Y"))); err != nil {
		t.Errorf("Expected future pre-prepare to be buffered, got %v", err)
	}
	if err := r.Handle(prePrepare(1, 1, request("alice", 3, "Z"))); err != nil {
		t.Errorf("Expected future-view pre-prepare to be buffered, got %v", err)
	}
	if got := r.Status().Buffered; got != 2 {
		t.Errorf("Expected 2 buffered messages, got %d", got)
	}
}

func TestBufferDropsOldest(t *testing.T) {
	tr := &captureTransport{}
	cfg := testConfig(1)
	cfg.MaxBuffered = 2
	r, err := NewReplica(cfg, Dependencies{
		App: &recordingApp{}, Transport: tr, Digester: testDigester{}, Timers: newFakeTimers(),
	})
	if err != nil {
		t.Fatalf("NewReplica failed: %v", err)
	}

	for i := uint64(0); i < 3; i++ {
		_ = r.Handle(&Prepare{View: 1, Seq: Seq(i + 1), Sender: 2})
	}
	if len(r.buffered) != 2 {
		t.Fatalf("Expected 2 buffered messages, got %d", len(r.buffered))
	}
	if r.buffered[0].(*Prepare).Seq != 2 {
		t.Error("Expected the oldest buffered message to be discarded")
	}
	if got := r.Status().BufferDropped; got != 1 {
		t.Errorf("Expected 1 dropped message to be counted, got %d", got)
	}
}

func TestConfigRejectsZeroBuffer(t *testing.T) {
	cfg := testConfig(0)
	cfg.MaxBuffered = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for an unbuffered replica, got %v", err)
	}

	cfg = testConfig(0)
	cfg.MaxViewChangeTimeout = cfg.ViewChangeTimeout / 2
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for a cap below the base timeout, got %v", err)
	}
}

func TestOutOfOrderCommitsExecuteInOrder(t *testing.T) {
	r, _, obs := newSingle(t, 1)
	pp1 := prePrepare(0, 1, request("alice", 1, "A"))
	pp2 := prePrepare(0, 2, request("bob", 1, "B"))
	_ = r.Handle(pp1)
	_ = r.Handle(pp2)

	for _, pp := range []*PrePrepare{pp1, pp2} {
		for _, id := range []NodeID{0, 2} {
			_ = r.Handle(&Prepare{View: 0, Seq: pp.Seq, Digest: pp.Digest, Sender: id})
		}
	}

	for _, id := range []NodeID{0, 2} {
		_ = r.Handle(&Commit{View: 0, Seq: 2, Digest: pp2.Digest, Sender: id})
	}
	if r.LastExecuted() != 0 {
		t.Fatalf("Seq 2 executed before seq 1")
	}
	if e, _ := r.msgs.Get(pp2.Slot()); e.State != EntryCommitted {
		t.Errorf("Expected seq 2 committed, got %s", e.State)
	}

	for _, id := range []NodeID{0, 2} {
		_ = r.Handle(&Commit{View: 0, Seq: 1, Digest: pp1.Digest, Sender: id})
	}
	if got := opsOf(obs.execs); !reflect.DeepEqual(got, []string{"1:A", "2:B"}) {
		t.Errorf("Unexpected execution order %v", got)
	}
}

func TestDuplicateRequestExecutesOnce(t *testing.T) {
	r, tr, obs := newSingle(t, 1)
	req := request("alice", 1, "X")
	pp1 := prePrepare(0, 1, req)
	pp2 := prePrepare(0, 2, req)
	_ = r.Handle(pp1)
	_ = r.Handle(pp2)
	for _, pp := range []*PrePrepare{pp1, pp2} {
		for _, id := range []NodeID{0, 2} {
			_ = r.Handle(&Prepare{View: 0, Seq: pp.Seq, Digest: pp.Digest, Sender: id})
			_ = r.Handle(&Commit{View: 0, Seq: pp.Seq, Digest: pp.Digest, Sender: id})
		}
	}

	if len(obs.execs) != 2 {
		t.Fatalf("Expected 2 executions, got %d", len(obs.execs))
	}
	if obs.execs[0].Duplicate || !obs.execs[1].Duplicate {
		t.Errorf("Expected only the second execution to be a duplicate")
	}
	if len(tr.replies) != 2 || tr.replies[0].Seq != tr.replies[1].Seq {
		t.Errorf("Expected the cached reply to be resent, got %+v", tr.replies)
	}
}

func TestRetransmittedRequestGetsCachedReply(t *testing.T) {
	c := newCluster(t, 1, nil)
	req := request("alice", 1, "X")
	c.submit(req, c.all()...)
	c.run()

	c.submit(req, 0)
	c.run()
	if len(c.apps[0].ops) != 1 {
		t.Errorf("Application ran %d times for one request", len(c.apps[0].ops))
	}
	replies := c.net.replies[0]
	if len(replies) != 2 || !reflect.DeepEqual(replies[0], replies[1]) {
		t.Errorf("Expected identical cached reply, got %+v", replies)
	}

	c.submit(request("alice", 2, "Y"), 0)
	c.run()
	before := len(c.net.replies[0])
	c.submit(req, 0)
	c.run()
	if len(c.net.replies[0]) != before {
		t.Error("Stale request should be ignored")
	}
	if got, _ := c.replicas[0].CachedReply("alice"); got.Nonce != 2 {
		t.Errorf("Expected cached nonce 2, got %d", got.Nonce)
	}
}

func TestCheckpointGarbageCollection(t *testing.T) {
	c := newCluster(t, 1, func(cfg *Config) {
		cfg.CheckpointInterval = 2
		cfg.WatermarkWindow = 4
	})

	for i := 0; i < 6; i++ {
		c.submit(request("client", uint64(i+1), "op"), 0)
	}
	if got := c.replicas[0].Status().Pending; got != 2 {
		t.Fatalf("Expected 2 requests held outside the window, got %d", got)
	}
	c.run()

	for id, r := range c.replicas {
		if r.LastExecuted() != 6 {
			t.Errorf("Replica %d last executed %d", id, r.LastExecuted())
		}
		if r.LowWatermark() != 6 {
			t.Errorf("Replica %d low watermark %d, expected 6", id, r.LowWatermark())
		}
		if r.msgs.Len() != 0 {
			t.Errorf("Replica %d kept %d log entries after GC", id, r.msgs.Len())
		}
		ref, proof := r.StableCheckpoint()
		if ref.StateDigest != r.StateDigest() {
			t.Errorf("Replica %d stable checkpoint digest mismatch", id)
		}
		if len(proof) < r.cfg.Quorum() {
			t.Errorf("Replica %d checkpoint proof has %d messages", id, len(proof))
		}
	}
	c.assertConsistent()
}

func TestRequestTimerStartsViewChange(t *testing.T) {
	c := newCluster(t, 1, nil)
	c.net.crashed[0] = true

	c.submit(request("alice", 1, "X"), 1)
	c.fire(1, TimerRequest)

	r := c.replicas[1]
	if r.ViewStatus() != StatusViewChanging || r.View() != 1 {
		t.Fatalf("Expected view-changing to view 1, got %s in view %d", r.ViewStatus(), r.View())
	}
	if d := c.timers[1].armed[TimerViewChange]; d != r.cfg.ViewChangeTimeout {
		t.Errorf("Expected view-change timer %v, got %v", r.cfg.ViewChangeTimeout, d)
	}

	c.fire(1, TimerViewChange)
	if r.View() != 2 {
		t.Errorf("Expected view 2 after view-change timeout, got %d", r.View())
	}
	if d := c.timers[1].armed[TimerViewChange]; d != 2*r.cfg.ViewChangeTimeout {
		t.Errorf("Expected doubled view-change timer, got %v", d)
	}
}

func TestViewChangeAfterPrimaryCrash(t *testing.T) {
	c := newCluster(t, 1, nil)
	c.net.crashed[0] = true

	c.submit(request("alice", 1, "X"), 1, 2, 3)
	c.run()

	c.fire(1, TimerRequest)
	c.run()
	if c.replicas[3].View() != 0 {
		t.Fatal("A single view-change must not move other replicas")
	}

	c.fire(2, TimerRequest)
	c.run()

	for _, id := range []NodeID{1, 2, 3} {
		r := c.replicas[id]
		if r.View() != 1 || r.ViewStatus() != StatusNormal {
			t.Errorf("Replica %d in view %d (%s)", id, r.View(), r.ViewStatus())
		}
		if got := opsOf(c.obs[id].execs); !reflect.DeepEqual(got, []string{"1:X"}) {
			t.Errorf("Replica %d executed %v", id, got)
		}
		if _, armed := c.timers[id].armed[TimerViewChange]; armed {
			t.Errorf("Replica %d left its view-change timer armed", id)
		}
	}
	if !reflect.DeepEqual(c.obs[3].views, []View{1}) {
		t.Errorf("Replica 3 should have joined and installed view 1, got %v", c.obs[3].views)
	}
}

func TestViewChangePreservesPreparedRequest(t *testing.T) {
	c := newCluster(t, 1, nil)
	c.net.drop = func(env envelope) bool {
		_, commit := env.msg.(*Commit)
		return commit
	}

	c.submit(request("alice", 1, "Y"), 0)
	c.run()
	for id, r := range c.replicas {
		if r.LastExecuted() != 0 {
			t.Fatalf("Replica %d executed without commits", id)
		}
	}

	c.net.drop = nil
	c.net.crashed[0] = true
	c.fire(1, TimerRequest)
	c.fire(2, TimerRequest)
	c.run()

	for _, id := range []NodeID{1, 2, 3} {
		execs := c.obs[id].execs
		if len(execs) != 1 {
			t.Fatalf("Replica %d executed %d entries", id, len(execs))
		}
		if execs[0].Seq != 1 || execs[0].View != 1 || string(execs[0].Request.Operation) != "Y" {
			t.Errorf("Replica %d executed %+v, expected Y at seq 1 in view 1", id, execs[0])
		}
	}
	c.assertConsistent()
}

func TestViewChangeFillsGapWithNoop(t *testing.T) {
	c := newCluster(t, 1, nil)
	y := request("alice", 1, "Y")
	z := request("bob", 1, "Z")

	c.net.drop = func(env envelope) bool {
		switch m := env.msg.(type) {
		case *Commit:
			return true
		case *PrePrepare:
			return m.Seq == 2 && env.to != 1
		case *Prepare:
			return m.Seq == 2
		}
		return false
	}
	c.submit(y, 0)
	c.submit(z, 0)
	c.run()

	if e, ok := c.replicas[1].msgs.Get(Slot{View: 0, Seq: 2}); !ok || e.State != EntryPrePrepared {
		t.Fatal("Expected replica 1 to hold Z pre-prepared at seq 2")
	}

	c.net.drop = nil
	c.net.crashed[0] = true
	c.fire(1, TimerRequest)
	c.fire(2, TimerRequest)
	c.run()

	want := []string{"1:Y", "2:noop", "3:Z"}
	for _, id := range []NodeID{1, 2, 3} {
		if got := opsOf(c.obs[id].execs); !reflect.DeepEqual(got, want) {
			t.Errorf("Replica %d executed %v, expected %v", id, got, want)
		}
		if !reflect.DeepEqual(c.apps[id].ops, []string{"Y", "Z"}) {
			t.Errorf("Replica %d application saw %v", id, c.apps[id].ops)
		}
	}
	c.assertConsistent()
}

func emptyViewChange(v View, sender NodeID) ViewChange {
	return ViewChange{
		NewView:     v,
		Checkpoints: []CheckpointRef{{Seq: 0, StateDigest: ZeroDigest}},
		Sender:      sender,
	}
}

func TestNewViewFromWrongSenderRejected(t *testing.T) {
	r, _, _ := newSingle(t, 3)
	nv := &NewView{NewView: 1, Sender: 2}
	if err := r.Handle(nv); !errors.Is(err, ErrWrongSender) {
		t.Errorf("Expected ErrWrongSender, got %v", err)
	}
}

func TestNewViewWithoutQuorumRejected(t *testing.T) {
	r, _, _ := newSingle(t, 3)
	nv := &NewView{
		NewView:     1,
		ViewChanges: []ViewChange{emptyViewChange(1, 1), emptyViewChange(1, 2)},
		Sender:      1,
	}
	if err := r.Handle(nv); !errors.Is(err, ErrInvalidNewView) {
		t.Errorf("Expected ErrInvalidNewView, got %v", err)
	}
	if r.View() != 0 {
		t.Errorf("Replica moved to view %d on an invalid new-view", r.View())
	}
}

func TestNewViewWithInventedProposalRejected(t *testing.T) {
	r, _, _ := newSingle(t, 3)
	invented := prePrepare(1, 1, request("mallory", 1, "steal"))
	nv := &NewView{
		NewView: 1,
		ViewChanges: []ViewChange{
			emptyViewChange(1, 0), emptyViewChange(1, 1), emptyViewChange(1, 2),
		},
		PrePrepares: []PrePrepare{*invented},
		Sender:      1,
	}
	if err := r.Handle(nv); !errors.Is(err, ErrInvalidNewView) {
		t.Errorf("Expected ErrInvalidNewView, got %v", err)
	}
}

func TestNewViewWaitsForDirectViewChanges(t *testing.T) {
	r, _, obs := newSingle(t, 3)
	vcs := []ViewChange{emptyViewChange(1, 0), emptyViewChange(1, 1), emptyViewChange(1, 2)}
	nv := &NewView{NewView: 1, ViewChanges: vcs, Sender: 1}

	if err := r.Handle(nv); err != nil {
		t.Fatalf("Handle(new-view) failed: %v", err)
	}
	if r.View() != 0 {
		t.Fatal("New-view installed before its view-changes were received")
	}

	for i := range vcs {
		vc := vcs[i]
		if err := r.Handle(&vc); err != nil {
			t.Fatalf("Handle(view-change %d) failed: %v", vc.Sender, err)
		}
	}
	if r.View() != 1 || r.ViewStatus() != StatusNormal {
		t.Errorf("Expected normal view 1, got %d (%s)", r.View(), r.ViewStatus())
	}
	if !reflect.DeepEqual(obs.views, []View{1}) {
		t.Errorf("Expected new-view notification, got %v", obs.views)
	}
}

func TestNewViewWithAlteredViewChangeRejected(t *testing.T) {
	r, _, _ := newSingle(t, 3)
	vcs := []ViewChange{emptyViewChange(1, 0), emptyViewChange(1, 1), emptyViewChange(1, 2)}
	for i := range vcs[:2] {
		vc := vcs[i]
		_ = r.Handle(&vc)
	}
	if r.ViewStatus() != StatusViewChanging {
		t.Fatal("Expected to join the view change")
	}

	altered := vcs[0]
	altered.Checkpoints = append([]CheckpointRef{}, altered.Checkpoints...)
	altered.Checkpoints = append(altered.Checkpoints, CheckpointRef{Seq: 10, StateDigest: digestOf("fake")})
	nv := &NewView{
		NewView:     1,
		ViewChanges: []ViewChange{altered, vcs[1], vcs[2]},
		Sender:      1,
	}
	if err := r.Handle(nv); !errors.Is(err, ErrInvalidNewView) {
		t.Errorf("Expected ErrInvalidNewView, got %v", err)
	}
	if r.View() != 2 {
		t.Errorf("Expected to move on to view 2, got %d", r.View())
	}
}

func TestViewChangeWithForgedCertificateRejected(t *testing.T) {
	r, _, _ := newSingle(t, 3)
	req := request("alice", 1, "X")
	d := RequestDigest(testDigester{}, req)

	vc := emptyViewChange(1, 1)
	vc.Prepared = []PreparedCert{{
		View: 0, Seq: 1, Digest: d, Request: req,
		Prepares: []Prepare{
			{View: 0, Seq: 1, Digest: d, Sender: 0},
			{View: 0, Seq: 1, Digest: d, Sender: 1},
		},
	}}
	if err := r.Handle(&vc); !errors.Is(err, ErrInvalidCertificate) {
		t.Errorf("Expected ErrInvalidCertificate, got %v", err)
	}
}

func TestViewChangeJoinRequiresWeakQuorum(t *testing.T) {
	r, _, _ := newSingle(t, 3)

	vc1 := emptyViewChange(2, 1)
	if err := r.Handle(&vc1); err != nil {
		t.Fatalf("Handle(view-change) failed: %v", err)
	}
	if r.ViewStatus() != StatusNormal {
		t.Fatal("One view-change must not trigger a join")
	}

	vc2 := emptyViewChange(3, 2)
	if err := r.Handle(&vc2); err != nil {
		t.Fatalf("Handle(view-change) failed: %v", err)
	}
	if r.ViewStatus() != StatusViewChanging || r.View() != 2 {
		t.Errorf("Expected to join the smallest view 2, got view %d (%s)", r.View(), r.ViewStatus())
	}
}

func TestViewChangeTimeoutIsCapped(t *testing.T) {
	c := newCluster(t, 1, nil)
	base := c.replicas[1].cfg.ViewChangeTimeout
	limit := 64 * base

	c.submit(request("alice", 1, "X"), 1)
	c.fire(1, TimerRequest)
	for i := 0; i < 80; i++ {
		d := c.timers[1].armed[TimerViewChange]
		if d <= 0 || d > limit {
			t.Fatalf("View-change timer %v out of (0, %v] after %d failures", d, limit, i)
		}
		c.fire(1, TimerViewChange)
	}
	if d := c.timers[1].armed[TimerViewChange]; d != limit {
		t.Errorf("Expected timer to settle at %v, got %v", limit, d)
	}
}

func TestViewChangeTimeoutConfiguredCap(t *testing.T) {
	c := newCluster(t, 1, func(cfg *Config) {
		cfg.MaxViewChangeTimeout = 3 * cfg.ViewChangeTimeout
	})
	base := c.replicas[1].cfg.ViewChangeTimeout

	c.submit(request("alice", 1, "X"), 1)
	c.fire(1, TimerRequest)
	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, c.timers[1].armed[TimerViewChange])
		c.fire(1, TimerViewChange)
	}
	want := []time.Duration{base, 2 * base, 3 * base, 3 * base}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected timeouts %v, got %v", want, got)
	}
}

// laggingViewChanges builds view-change messages for view 1 from replicas
// whose stable checkpoint is 10 and which prepared req at seq.
func laggingViewChanges(req Request, seq Seq) []ViewChange {
	d := RequestDigest(testDigester{}, req)
	stable := CheckpointRef{Seq: 10, StateDigest: digestOf("state-10")}
	cert := PreparedCert{
		View: 0, Seq: seq, Digest: d, Request: req,
		Prepares: []Prepare{
			{View: 0, Seq: seq, Digest: d, Sender: 0},
			{View: 0, Seq: seq, Digest: d, Sender: 1},
			{View: 0, Seq: seq, Digest: d, Sender: 2},
		},
	}
	vcs := make([]ViewChange, 0, 3)
	for id := NodeID(0); id < 3; id++ {
		vcs = append(vcs, ViewChange{
			NewView:           1,
			LastCheckpointSeq: 10,
			Checkpoints:       []CheckpointRef{stable},
			Prepared:          []PreparedCert{cert},
			PrePrepared:       []PrePrepared{{View: 0, Seq: seq, Digest: d}},
			Sender:            id,
		})
	}
	return vcs
}

func TestLaggingReplicaKeepsViewChangesValid(t *testing.T) {
	// Replica 3 is still at checkpoint 0 with window (0, 20]; its peers
	// moved to checkpoint 10 and prepared a request at seq 25.
	r, tr, _ := newSingle(t, 3)
	vcs := laggingViewChanges(request("alice", 1, "X"), 25)
	for i := range vcs {
		vc := vcs[i]
		if err := r.Handle(&vc); err != nil {
			t.Fatalf("Handle(view-change %d) failed: %v", vc.Sender, err)
		}
	}

	plan, err := r.planNewView(1, vcs)
	if err != nil {
		t.Fatalf("planNewView failed: %v", err)
	}
	if len(plan.PrePrepares) != 15 {
		t.Fatalf("Expected re-issued seqs 11..25, got %d", len(plan.PrePrepares))
	}
	nv := &NewView{NewView: 1, ViewChanges: vcs, PrePrepares: plan.PrePrepares, Sender: 1}
	if err := r.Handle(nv); err != nil {
		t.Fatalf("Handle(new-view) failed: %v", err)
	}
	if r.View() != 1 || r.ViewStatus() != StatusNormal {
		t.Fatalf("Expected normal view 1, got %d (%s)", r.View(), r.ViewStatus())
	}

	for _, pp := range r.msgs.AcceptedProposals(0, ^Seq(0)) {
		if pp.Seq > 20 {
			t.Errorf("Accepted re-issued pre-prepare at seq %d above the window", pp.Seq)
		}
	}
	if got := r.Status().Buffered; got != 5 {
		t.Errorf("Expected seqs 21..25 to be buffered, got %d buffered", got)
	}

	tr.sent = nil
	r.startViewChange(2)
	var own *ViewChange
	for _, m := range tr.sent {
		if vc, ok := m.(*ViewChange); ok {
			own = vc
		}
	}
	if own == nil {
		t.Fatal("Expected a view-change broadcast")
	}

	peer, _, _ := newSingle(t, 2)
	if err := peer.Handle(own); err != nil {
		t.Errorf("Peer rejected the lagging replica's view-change: %v", err)
	}
}
