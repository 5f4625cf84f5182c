package consensus

import "time"

// Application executes ordered operations. Execute must be deterministic.
type Application interface {
	Execute(op []byte) []byte
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(op []byte) []byte

// Execute calls f(op).
func (f ApplicationFunc) Execute(op []byte) []byte { return f(op) }

// Transport delivers messages on behalf of the replica. Broadcast sends to
// every other replica; the replica handles its own copy locally.
type Transport interface {
	Broadcast(msg Message)
	Send(to NodeID, msg Message)
	Reply(r Reply)
}

// Digester hashes bytes into a Digest.
type Digester interface {
	Digest(data []byte) Digest
}

// TimerKind names one of the replica's timers.
type TimerKind int

const (
	// TimerRequest is the leader-liveness timer.
	TimerRequest TimerKind = iota
	// TimerViewChange bounds one view-change attempt.
	TimerViewChange
)

func (k TimerKind) String() string {
	switch k {
	case TimerRequest:
		return "request"
	case TimerViewChange:
		return "view-change"
	default:
		return "unknown"
	}
}

// Scheduler arms timers. Schedule replaces any pending timer of the same
// kind; expiry is reported back through Replica.OnTimeout.
type Scheduler interface {
	Schedule(kind TimerKind, d time.Duration)
	Cancel(kind TimerKind)
}

// Execution describes one executed sequence number.
type Execution struct {
	Seq          Seq     `json:"seq"`
	View         View    `json:"view"`
	Digest       Digest  `json:"digest"`
	Request      Request `json:"request"`
	Result       []byte  `json:"result,omitempty"`
	ResultDigest Digest  `json:"result_digest"`
	StateDigest  Digest  `json:"state_digest"`
	Noop         bool    `json:"noop"`
	Duplicate    bool    `json:"duplicate"`
}

// Evidence is a recorded equivocation: Sender sent two different digests
// for the same slot and message type.
type Evidence struct {
	Type   MessageType `json:"type"`
	View   View        `json:"view"`
	Seq    Seq         `json:"seq"`
	Sender NodeID      `json:"sender"`
	First  Digest      `json:"first"`
	Second Digest      `json:"second"`
}

// Observer receives notifications from the replica. Calls happen on the
// replica's goroutine and must not call back into it.
type Observer interface {
	OnExecute(e Execution)
	OnCommitted(slot Slot)
	OnViewChange(target View)
	OnNewView(v View)
	OnStableCheckpoint(seq Seq, state Digest)
	OnEquivocation(ev Evidence)
}

// NopObserver implements Observer with empty methods. Embed it to observe
// a subset of events.
type NopObserver struct{}

func (NopObserver) OnExecute(Execution)            {}
func (NopObserver) OnCommitted(Slot)               {}
func (NopObserver) OnViewChange(View)              {}
func (NopObserver) OnNewView(View)                 {}
func (NopObserver) OnStableCheckpoint(Seq, Digest) {}
func (NopObserver) OnEquivocation(Evidence)        {}

// Observers fans every notification out to each member in order.
type Observers []Observer

func (o Observers) OnExecute(e Execution) {
	for _, x := range o {
		x.OnExecute(e)
	}
}

func (o Observers) OnCommitted(slot Slot) {
	for _, x := range o {
		x.OnCommitted(slot)
	}
}

func (o Observers) OnViewChange(target View) {
	for _, x := range o {
		x.OnViewChange(target)
	}
}

func (o Observers) OnNewView(v View) {
	for _, x := range o {
		x.OnNewView(v)
	}
}

func (o Observers) OnStableCheckpoint(seq Seq, state Digest) {
	for _, x := range o {
		x.OnStableCheckpoint(seq, state)
	}
}

func (o Observers) OnEquivocation(ev Evidence) {
	for _, x := range o {
		x.OnEquivocation(ev)
	}
}
