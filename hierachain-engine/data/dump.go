package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

const (
	segmentPrefix = "decisions-"
	segmentSuffix = ".arrow"
)

// Segment is one dump file: the executions between two stable checkpoints.
type Segment struct {
	Path          string
	Node          consensus.NodeID
	CheckpointSeq consensus.Seq
	StateDigest   consensus.Digest
	Executions    []consensus.Execution
}

type segmentJob struct {
	checkpoint consensus.Seq
	digest     consensus.Digest
	execs      []consensus.Execution
}

// Recorder dumps the executed log of one replica as Arrow IPC files, one
// segment per stable checkpoint. It is a consensus.Observer; file writes
// happen on a background goroutine so the replica never blocks on disk.
// A segment that fails to write stays queued and is retried; until then it
// is served from memory.
type Recorder struct {
	consensus.NopObserver

	dir        string
	node       consensus.NodeID
	logger     zerolog.Logger
	retryDelay time.Duration

	// executions not yet covered by a segment, and segments not yet on disk
	pending []consensus.Execution
	queued  []segmentJob
	closed  bool
	mu      sync.RWMutex

	wake    chan struct{}
	done    chan struct{}
	written int64
	failed  int64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRecorder creates a recorder writing into dir.
func NewRecorder(dir string, node consensus.NodeID, logger zerolog.Logger) (*Recorder, error) {
	return newRecorder(dir, node, logger, time.Second)
}

func newRecorder(dir string, node consensus.NodeID, logger zerolog.Logger, retryDelay time.Duration) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create dump directory %s", dir)
	}
	r := &Recorder{
		dir:        dir,
		node:       node,
		logger:     logger.With().Str("component", "dump").Logger(),
		retryDelay: retryDelay,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writer()
	return r, nil
}

func (r *Recorder) OnExecute(e consensus.Execution) {
	r.mu.Lock()
	r.pending = append(r.pending, e)
	r.mu.Unlock()
}

// OnStableCheckpoint cuts a segment with every pending execution at or
// below seq.
func (r *Recorder) OnStableCheckpoint(seq consensus.Seq, digest consensus.Digest) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	i := sort.Search(len(r.pending), func(i int) bool { return r.pending[i].Seq > seq })
	execs := r.pending[:i:i]
	r.pending = append([]consensus.Execution(nil), r.pending[i:]...)
	if len(execs) > 0 {
		r.queued = append(r.queued, segmentJob{checkpoint: seq, digest: digest, execs: execs})
	}
	r.mu.Unlock()

	if len(execs) > 0 {
		r.signal()
	}
}

func (r *Recorder) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close writes the remaining executions as a final segment and waits for
// the writer to finish. Call it after the replica has stopped. Segments
// that still cannot be written remain readable through Executions.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		if len(r.pending) > 0 {
			last := r.pending[len(r.pending)-1]
			r.queued = append(r.queued, segmentJob{checkpoint: last.Seq, digest: last.StateDigest, execs: r.pending})
			r.pending = nil
		}
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()

		r.mu.RLock()
		unwritten := len(r.queued)
		r.mu.RUnlock()
		if unwritten > 0 {
			r.logger.Error().Int("segments", unwritten).Msg("Decision dump closed with unwritten segments")
		}
	})
}

func (r *Recorder) writer() {
	defer r.wg.Done()

	for {
		var retry <-chan time.Time
		if !r.drain() {
			retry = time.After(r.retryDelay)
		}
		select {
		case <-r.wake:
		case <-retry:
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain writes queued segments in checkpoint order. It stops at the first
// failure, leaving that segment at the head of the queue, and reports
// whether the queue is empty.
func (r *Recorder) drain() bool {
	for {
		r.mu.RLock()
		if len(r.queued) == 0 {
			r.mu.RUnlock()
			return true
		}
		job := r.queued[0]
		r.mu.RUnlock()

		path, err := r.writeSegment(job)

		r.mu.Lock()
		if err != nil {
			r.failed++
			r.mu.Unlock()
			r.logger.Error().Err(err).Uint64("checkpoint", uint64(job.checkpoint)).Msg("Failed to write decision dump, will retry")
			return false
		}
		r.queued = r.queued[1:]
		r.written++
		r.mu.Unlock()
		r.logger.Debug().Str("path", path).Int("executions", len(job.execs)).Msg("Wrote decision dump")
	}
}

// writeSegment writes to a temp file and renames it into place.
func (r *Recorder) writeSegment(job segmentJob) (string, error) {
	schema := ExecutionSchemaWithMetadata(map[string]string{
		MetaNode:          strconv.Itoa(int(r.node)),
		MetaCheckpointSeq: strconv.FormatUint(uint64(job.checkpoint), 10),
		MetaStateDigest:   job.digest.String(),
	})
	record, err := NewConverterWithSchema(schema).ExecutionsToRecord(job.execs)
	if err != nil {
		return "", err
	}
	defer record.Release()

	tmp, err := os.CreateTemp(r.dir, ".decisions-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if err := WriteIPC(tmp, record); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "failed to sync dump")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "failed to close dump")
	}

	path := filepath.Join(r.dir, segmentName(job.checkpoint))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "failed to rename dump")
	}
	return path, nil
}

func segmentName(seq consensus.Seq) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(seq), segmentSuffix)
}

// Executions returns every recorded execution above from, in seq order,
// reading dumped segments from disk and the pending tail from memory.
func (r *Recorder) Executions(from consensus.Seq) ([]consensus.Execution, error) {
	// Snapshot memory before listing the disk: a segment written in
	// between shows up twice and is deduplicated by seq below.
	r.mu.RLock()
	var tail []consensus.Execution
	for _, job := range r.queued {
		tail = append(tail, job.execs...)
	}
	tail = append(tail, r.pending...)
	r.mu.RUnlock()

	segs, err := LoadDir(r.dir)
	if err != nil {
		return nil, err
	}

	var out []consensus.Execution
	last := from
	for _, seg := range segs {
		for _, e := range seg.Executions {
			if e.Seq > last {
				out = append(out, e)
				last = e.Seq
			}
		}
	}
	for _, e := range tail {
		if e.Seq > last {
			out = append(out, e)
			last = e.Seq
		}
	}
	return out, nil
}

// RecorderStats reports dump activity.
type RecorderStats struct {
	Dir       string `json:"dir"`
	Pending   int    `json:"pending"`
	Unwritten int    `json:"unwritten"`
	Segments  int64  `json:"segments"`
	Failed    int64  `json:"failed"`
}

// GetStats returns recorder statistics.
func (r *Recorder) GetStats() RecorderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RecorderStats{
		Dir:       r.dir,
		Pending:   len(r.pending),
		Unwritten: len(r.queued),
		Segments:  r.written,
		Failed:    r.failed,
	}
}

// LoadSegment reads one dump file.
func LoadSegment(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open dump")
	}
	defer f.Close()

	records, schema, err := ReadIPC(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	seg := &Segment{Path: path}
	md := schema.Metadata()
	if v, ok := metaValue(md, MetaNode); ok {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "bad node metadata in %s", path)
		}
		seg.Node = consensus.NodeID(id)
	}
	if v, ok := metaValue(md, MetaCheckpointSeq); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad checkpoint metadata in %s", path)
		}
		seg.CheckpointSeq = consensus.Seq(n)
	}
	if v, ok := metaValue(md, MetaStateDigest); ok {
		d, err := consensus.ParseDigest(v)
		if err != nil {
			return nil, errors.Wrapf(err, "bad digest metadata in %s", path)
		}
		seg.StateDigest = d
	}

	conv := NewConverter()
	for _, rec := range records {
		execs, err := conv.RecordToExecutions(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "bad record in %s", path)
		}
		seg.Executions = append(seg.Executions, execs...)
	}
	return seg, nil
}

func metaValue(md arrow.Metadata, key string) (string, bool) {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i], true
	}
	return "", false
}

// LoadDir reads every dump segment in dir, ordered by checkpoint.
func LoadDir(dir string) ([]*Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	segs := make([]*Segment, 0, len(names))
	for _, name := range names {
		seg, err := LoadSegment(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
