package data

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

func execAt(seq consensus.Seq) consensus.Execution {
	return consensus.Execution{
		Seq:         seq,
		Digest:      crypto.Hash([]byte{byte(seq)}),
		Request:     consensus.Request{ClientID: "c", Nonce: uint64(seq), Operation: []byte{byte(seq)}},
		Result:      []byte("ok"),
		StateDigest: crypto.Hash([]byte{0xff, byte(seq)}),
	}
}

func TestRecorderDumpAndReload(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	for seq := consensus.Seq(1); seq <= 5; seq++ {
		rec.OnExecute(execAt(seq))
	}
	checkpoint := crypto.Hash([]byte("cp-3"))
	rec.OnStableCheckpoint(3, checkpoint)
	rec.Close()

	segs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(segs))
	}

	first := segs[0]
	if first.Node != 2 || first.CheckpointSeq != 3 || first.StateDigest != checkpoint {
		t.Errorf("Unexpected first segment metadata: node=%d seq=%d", first.Node, first.CheckpointSeq)
	}
	if len(first.Executions) != 3 || first.Executions[2].Seq != 3 {
		t.Errorf("Expected executions 1..3 in first segment, got %d", len(first.Executions))
	}

	tail := segs[1]
	if tail.CheckpointSeq != 5 || len(tail.Executions) != 2 {
		t.Errorf("Expected tail segment at 5 with 2 executions, got seq=%d n=%d",
			tail.CheckpointSeq, len(tail.Executions))
	}
	if tail.StateDigest != execAt(5).StateDigest {
		t.Error("Tail segment should carry the last state digest")
	}

	stats := rec.GetStats()
	if stats.Segments != 2 || stats.Failed != 0 || stats.Pending != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestRecorderExecutionsFrom(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	defer rec.Close()

	for seq := consensus.Seq(1); seq <= 4; seq++ {
		rec.OnExecute(execAt(seq))
	}
	rec.OnStableCheckpoint(2, crypto.Hash([]byte("cp-2")))

	execs, err := rec.Executions(1)
	if err != nil {
		t.Fatalf("Executions failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("Expected 3 executions above 1, got %d", len(execs))
	}
	for i, e := range execs {
		if e.Seq != consensus.Seq(i+2) {
			t.Errorf("Position %d: expected seq %d, got %d", i, i+2, e.Seq)
		}
	}

	all, err := rec.Executions(0)
	if err != nil {
		t.Fatalf("Executions failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 executions, got %d", len(all))
	}
}

func TestRecorderIgnoresEmptyCheckpoint(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	rec.OnStableCheckpoint(10, crypto.Hash([]byte("nothing")))
	rec.Close()
	rec.Close()

	segs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("Expected no segments, got %d", len(segs))
	}

	// Events after Close are dropped.
	rec.OnStableCheckpoint(11, crypto.Hash([]byte("late")))
}

func TestLoadDirSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	segs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("Expected no segments, got %d", len(segs))
	}

	bad := filepath.Join(dir, segmentName(1))
	if err := os.WriteFile(bad, []byte("not arrow"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Error("Expected an error for a corrupt segment")
	}
}

// waitStats polls the recorder until cond holds or the deadline passes.
func waitStats(t *testing.T, rec *Recorder, cond func(RecorderStats) bool) RecorderStats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := rec.GetStats()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for recorder, stats %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderRetriesFailedSegment(t *testing.T) {
	dir := t.TempDir()
	rec, err := newRecorder(dir, 1, zerolog.Nop(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("newRecorder failed: %v", err)
	}
	defer rec.Close()

	// A non-empty directory at the segment path makes the rename fail.
	blocker := filepath.Join(dir, segmentName(3))
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	for seq := consensus.Seq(1); seq <= 3; seq++ {
		rec.OnExecute(execAt(seq))
	}
	rec.OnStableCheckpoint(3, crypto.Hash([]byte("cp-3")))

	st := waitStats(t, rec, func(st RecorderStats) bool { return st.Failed > 0 })
	if st.Unwritten != 1 || st.Segments != 0 {
		t.Errorf("Expected 1 unwritten segment and none written, got %+v", st)
	}

	execs, err := rec.Executions(0)
	if err != nil {
		t.Fatalf("Executions failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("Expected the failed segment to stay readable, got %d executions", len(execs))
	}

	if err := os.RemoveAll(blocker); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	waitStats(t, rec, func(st RecorderStats) bool { return st.Segments == 1 && st.Unwritten == 0 })

	segs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(segs) != 1 || len(segs[0].Executions) != 3 {
		t.Errorf("Expected one segment with 3 executions on disk, got %d segments", len(segs))
	}
}

func TestRecorderCheckpointDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	rec, err := newRecorder(dir, 1, zerolog.Nop(), time.Hour)
	if err != nil {
		t.Fatalf("newRecorder failed: %v", err)
	}

	// Keep the writer stuck on the first segment while many more queue up.
	if err := os.MkdirAll(filepath.Join(dir, segmentName(1), "keep"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	const checkpoints = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := consensus.Seq(1); seq <= checkpoints; seq++ {
			rec.OnExecute(execAt(seq))
			rec.OnStableCheckpoint(seq, crypto.Hash([]byte{byte(seq)}))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStableCheckpoint blocked behind a failing writer")
	}

	rec.Close()
	if st := rec.GetStats(); st.Unwritten != checkpoints {
		t.Errorf("Expected %d unwritten segments, got %+v", checkpoints, st)
	}
	execs, err := rec.Executions(0)
	if err != nil {
		t.Fatalf("Executions failed: %v", err)
	}
	if len(execs) != checkpoints {
		t.Errorf("Expected %d executions from memory, got %d", checkpoints, len(execs))
	}
}
