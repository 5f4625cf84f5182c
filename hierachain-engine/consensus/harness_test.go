package consensus

import (
	"crypto/sha256"
	"fmt"
	"testing"
	"time"
)

type testDigester struct{}

func (testDigester) Digest(b []byte) Digest { return Digest(sha256.Sum256(b)) }

// fakeTimers records armed timers; tests fire them by hand.
type fakeTimers struct {
	armed map[TimerKind]time.Duration
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[TimerKind]time.Duration)}
}

func (f *fakeTimers) Schedule(kind TimerKind, d time.Duration) { f.armed[kind] = d }
func (f *fakeTimers) Cancel(kind TimerKind)                    { delete(f.armed, kind) }

// recordingApp appends every operation it executes.
type recordingApp struct {
	ops []string
}

func (a *recordingApp) Execute(op []byte) []byte {
	a.ops = append(a.ops, string(op))
	return []byte("ok:" + string(op))
}

type execRecorder struct {
	NopObserver
	execs []Execution
	views []View
}

func (o *execRecorder) OnExecute(e Execution) { o.execs = append(o.execs, e) }
func (o *execRecorder) OnNewView(v View)      { o.views = append(o.views, v) }

type envelope struct {
	from NodeID
	to   NodeID
	msg  Message
}

// testNet is a FIFO in-memory network shared by a cluster.
type testNet struct {
	queue   []envelope
	drop    func(env envelope) bool
	crashed map[NodeID]bool
	replies map[NodeID][]Reply
}

type testTransport struct {
	id  NodeID
	n   int
	net *testNet
}

func (t *testTransport) Broadcast(msg Message) {
	for i := 0; i < t.n; i++ {
		if NodeID(i) != t.id {
			t.net.queue = append(t.net.queue, envelope{from: t.id, to: NodeID(i), msg: msg})
		}
	}
}

func (t *testTransport) Send(to NodeID, msg Message) {
	t.net.queue = append(t.net.queue, envelope{from: t.id, to: to, msg: msg})
}

func (t *testTransport) Reply(r Reply) {
	t.net.replies[t.id] = append(t.net.replies[t.id], r)
}

// captureTransport collects outbound messages of a single replica.
type captureTransport struct {
	sent    []Message
	replies []Reply
}

func (c *captureTransport) Broadcast(msg Message)    { c.sent = append(c.sent, msg) }
func (c *captureTransport) Send(_ NodeID, m Message) { c.sent = append(c.sent, m) }
func (c *captureTransport) Reply(r Reply)            { c.replies = append(c.replies, r) }

type cluster struct {
	t        *testing.T
	net      *testNet
	replicas []*Replica
	timers   []*fakeTimers
	apps     []*recordingApp
	obs      []*execRecorder
}

func testConfig(id NodeID) Config {
	cfg := DefaultConfig(id)
	cfg.WatermarkWindow = 20
	cfg.CheckpointInterval = 10
	return cfg
}

func newCluster(t *testing.T, f int, mutate func(*Config)) *cluster {
	t.Helper()
	n := 3*f + 1
	c := &cluster{
		t: t,
		net: &testNet{
			crashed: make(map[NodeID]bool),
			replies: make(map[NodeID][]Reply),
		},
	}
	for i := 0; i < n; i++ {
		cfg := testConfig(NodeID(i))
		cfg.N, cfg.F = n, f
		if mutate != nil {
			mutate(&cfg)
		}
		timers := newFakeTimers()
		app := &recordingApp{}
		obs := &execRecorder{}
		r, err := NewReplica(cfg, Dependencies{
			App:       app,
			Transport: &testTransport{id: NodeID(i), n: n, net: c.net},
			Digester:  testDigester{},
			Timers:    timers,
			Observer:  obs,
		})
		if err != nil {
			t.Fatalf("NewReplica(%d) failed: %v", i, err)
		}
		c.replicas = append(c.replicas, r)
		c.timers = append(c.timers, timers)
		c.apps = append(c.apps, app)
		c.obs = append(c.obs, obs)
	}
	return c
}

// run delivers queued messages until the network is quiet.
func (c *cluster) run() {
	c.t.Helper()
	for steps := 0; len(c.net.queue) > 0; steps++ {
		if steps > 200000 {
			c.t.Fatal("network did not quiesce")
		}
		env := c.net.queue[0]
		c.net.queue = c.net.queue[1:]
		if c.net.crashed[env.to] || c.net.crashed[env.from] {
			continue
		}
		if c.net.drop != nil && c.net.drop(env) {
			continue
		}
		_ = c.replicas[env.to].Handle(env.msg)
	}
}

func (c *cluster) submit(req Request, to ...NodeID) {
	c.t.Helper()
	for _, id := range to {
		if err := c.replicas[id].Submit(req); err != nil {
			c.t.Fatalf("Submit to %d failed: %v", id, err)
		}
	}
}

func (c *cluster) fire(id NodeID, kind TimerKind) {
	delete(c.timers[id].armed, kind)
	c.replicas[id].OnTimeout(kind)
}

func (c *cluster) all() []NodeID {
	ids := make([]NodeID, len(c.replicas))
	for i := range ids {
		ids[i] = NodeID(i)
	}
	return ids
}

// assertConsistent checks that no two replicas executed different digests
// at the same sequence number.
func (c *cluster) assertConsistent() {
	c.t.Helper()
	seen := make(map[Seq]Digest)
	for id, o := range c.obs {
		for _, e := range o.execs {
			if d, ok := seen[e.Seq]; ok && d != e.Digest {
				c.t.Fatalf("replica %d executed %s at seq %d, another replica executed %s",
					id, e.Digest.Short(), e.Seq, d.Short())
			}
			seen[e.Seq] = e.Digest
		}
	}
}

func request(client string, nonce uint64, op string) Request {
	return Request{ClientID: client, Nonce: nonce, Operation: []byte(op)}
}

func opsOf(execs []Execution) []string {
	out := make([]string, 0, len(execs))
	for _, e := range execs {
		if e.Noop {
			out = append(out, fmt.Sprintf("%d:noop", e.Seq))
			continue
		}
		out = append(out, fmt.Sprintf("%d:%s", e.Seq, e.Request.Operation))
	}
	return out
}

// newSingle creates replica id of a four-replica group driven by hand.
func newSingle(t *testing.T, id NodeID) (*Replica, *captureTransport, *execRecorder) {
	t.Helper()
	tr := &captureTransport{}
	obs := &execRecorder{}
	r, err := NewReplica(testConfig(id), Dependencies{
		App:       &recordingApp{},
		Transport: tr,
		Digester:  testDigester{},
		Timers:    newFakeTimers(),
		Observer:  obs,
	})
	if err != nil {
		t.Fatalf("NewReplica failed: %v", err)
	}
	return r, tr, obs
}

func prePrepare(v View, s Seq, req Request) *PrePrepare {
	return &PrePrepare{
		View:    v,
		Seq:     s,
		Digest:  RequestDigest(testDigester{}, req),
		Request: req,
		Sender:  NodeID(uint64(v) % 4),
	}
}
