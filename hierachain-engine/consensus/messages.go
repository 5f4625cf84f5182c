package consensus

// MessageType tags a protocol message.
type MessageType int

const (
	MsgRequest MessageType = iota
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgCheckpoint
	MsgViewChange
	MsgNewView
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgPrePrepare:
		return "pre-prepare"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgCheckpoint:
		return "checkpoint"
	case MsgViewChange:
		return "view-change"
	case MsgNewView:
		return "new-view"
	default:
		return "unknown"
	}
}

// ParseMessageType is the inverse of MessageType.String.
func ParseMessageType(s string) (MessageType, bool) {
	for t := MsgRequest; t <= MsgNewView; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Message is a replica-to-replica protocol message. The transport
// authenticates From before the message reaches a Replica.
type Message interface {
	Type() MessageType
	From() NodeID
}

// RequestMsg carries a client request. Sender is the replica that forwarded
// it, or -1 when it came directly from a client.
type RequestMsg struct {
	Request Request `json:"request"`
	Sender  NodeID  `json:"sender"`
}

// PrePrepare is the primary's proposal binding a request to a slot.
type PrePrepare struct {
	View    View    `json:"view"`
	Seq     Seq     `json:"seq"`
	Digest  Digest  `json:"digest"`
	Request Request `json:"request"`
	Sender  NodeID  `json:"sender"`
}

// Prepare votes for the digest accepted at a slot.
type Prepare struct {
	View   View   `json:"view"`
	Seq    Seq    `json:"seq"`
	Digest Digest `json:"digest"`
	Sender NodeID `json:"sender"`
}

// Commit votes that a slot is prepared.
type Commit struct {
	View   View   `json:"view"`
	Seq    Seq    `json:"seq"`
	Digest Digest `json:"digest"`
	Sender NodeID `json:"sender"`
}

// Checkpoint announces the state digest after executing Seq.
type Checkpoint struct {
	Seq         Seq    `json:"seq"`
	StateDigest Digest `json:"state_digest"`
	Sender      NodeID `json:"sender"`
}

// PreparedCert proves that 2f+1 replicas prepared Digest at (View, Seq).
type PreparedCert struct {
	View     View      `json:"view"`
	Seq      Seq       `json:"seq"`
	Digest   Digest    `json:"digest"`
	Request  Request   `json:"request"`
	Prepares []Prepare `json:"prepares"`
}

// CheckpointRef names a checkpoint by sequence number and state digest.
type CheckpointRef struct {
	Seq         Seq    `json:"seq"`
	StateDigest Digest `json:"state_digest"`
}

// PrePrepared records that the sender accepted Digest at (View, Seq).
type PrePrepared struct {
	View   View   `json:"view"`
	Seq    Seq    `json:"seq"`
	Digest Digest `json:"digest"`
}

// ViewChange asks to move to NewView. It carries the sender's stable
// checkpoint, the checkpoints it has taken since, every prepared certificate
// above the stable checkpoint, and the highest-view proposal it accepted for
// each sequence number there.
type ViewChange struct {
	NewView           View            `json:"new_view"`
	LastCheckpointSeq Seq             `json:"last_checkpoint_seq"`
	Checkpoints       []CheckpointRef `json:"checkpoints"`
	Prepared          []PreparedCert  `json:"prepared,omitempty"`
	PrePrepared       []PrePrepared   `json:"pre_prepared,omitempty"`
	Sender            NodeID          `json:"sender"`
}

// NewView installs a view. PrePrepares are the re-issued proposals computed
// from ViewChanges.
type NewView struct {
	NewView     View         `json:"new_view"`
	ViewChanges []ViewChange `json:"view_changes"`
	PrePrepares []PrePrepare `json:"pre_prepares"`
	Sender      NodeID       `json:"sender"`
}

// Reply is sent to the client after execution.
type Reply struct {
	ClientID     string `json:"client_id"`
	Nonce        uint64 `json:"nonce"`
	View         View   `json:"view"`
	Seq          Seq    `json:"seq"`
	ResultDigest Digest `json:"result_digest"`
	Result       []byte `json:"result,omitempty"`
	Replica      NodeID `json:"replica"`
}

func (m *RequestMsg) Type() MessageType { return MsgRequest }
func (m *RequestMsg) From() NodeID      { return m.Sender }
func (m *PrePrepare) Type() MessageType { return MsgPrePrepare }
func (m *PrePrepare) From() NodeID      { return m.Sender }
func (m *Prepare) Type() MessageType    { return MsgPrepare }
func (m *Prepare) From() NodeID         { return m.Sender }
func (m *Commit) Type() MessageType     { return MsgCommit }
func (m *Commit) From() NodeID          { return m.Sender }
func (m *Checkpoint) Type() MessageType { return MsgCheckpoint }
func (m *Checkpoint) From() NodeID      { return m.Sender }
func (m *ViewChange) Type() MessageType { return MsgViewChange }
func (m *ViewChange) From() NodeID      { return m.Sender }
func (m *NewView) Type() MessageType    { return MsgNewView }
func (m *NewView) From() NodeID         { return m.Sender }

// Slot returns the slot addressed by the pre-prepare.
func (m *PrePrepare) Slot() Slot { return Slot{View: m.View, Seq: m.Seq} }

// Slot returns the slot addressed by the prepare.
func (m *Prepare) Slot() Slot { return Slot{View: m.View, Seq: m.Seq} }

// Slot returns the slot addressed by the commit.
func (m *Commit) Slot() Slot { return Slot{View: m.View, Seq: m.Seq} }

// NewMessage returns an empty message of type t, ready for decoding.
func NewMessage(t MessageType) Message {
	switch t {
	case MsgRequest:
		return &RequestMsg{}
	case MsgPrePrepare:
		return &PrePrepare{}
	case MsgPrepare:
		return &Prepare{}
	case MsgCommit:
		return &Commit{}
	case MsgCheckpoint:
		return &Checkpoint{}
	case MsgViewChange:
		return &ViewChange{}
	case MsgNewView:
		return &NewView{}
	default:
		return nil
	}
}
