package monitoring

import (
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Observer feeds replica events into Metrics. It runs on the replica's
// goroutine and needs no locking.
type Observer struct {
	m           *Metrics
	committedAt map[consensus.Seq]time.Time
	now         func() time.Time
}

// NewObserver creates an observer recording into m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{
		m:           m,
		committedAt: make(map[consensus.Seq]time.Time),
		now:         time.Now,
	}
}

func (o *Observer) OnExecute(e consensus.Execution) {
	switch {
	case e.Noop:
		o.m.ExecutionsTotal.WithLabelValues("noop").Inc()
	case e.Duplicate:
		o.m.ExecutionsTotal.WithLabelValues("duplicate").Inc()
	default:
		o.m.ExecutionsTotal.WithLabelValues("operation").Inc()
	}
	o.m.LastExecuted.Set(float64(e.Seq))

	if at, ok := o.committedAt[e.Seq]; ok {
		o.m.ExecutionDelay.Observe(o.now().Sub(at).Seconds())
		delete(o.committedAt, e.Seq)
	}
}

func (o *Observer) OnCommitted(s consensus.Slot) {
	o.m.CommittedTotal.Inc()
	if _, ok := o.committedAt[s.Seq]; !ok {
		o.committedAt[s.Seq] = o.now()
	}
}

func (o *Observer) OnViewChange(v consensus.View) {
	o.m.ViewChangesTotal.Inc()
	o.m.View.Set(float64(v))
}

func (o *Observer) OnNewView(v consensus.View) {
	o.m.NewViewsTotal.Inc()
	o.m.View.Set(float64(v))
}

func (o *Observer) OnStableCheckpoint(seq consensus.Seq, _ consensus.Digest) {
	o.m.StableCheckpointsTotal.Inc()
	o.m.LowWatermark.Set(float64(seq))
	for s := range o.committedAt {
		if s <= seq {
			delete(o.committedAt, s)
		}
	}
}

func (o *Observer) OnEquivocation(ev consensus.Evidence) {
	o.m.EquivocationsTotal.WithLabelValues(ev.Type.String()).Inc()
}
