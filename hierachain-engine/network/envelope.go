package network

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

// MaxNetworkMessageSize bounds a single encoded envelope.
const MaxNetworkMessageSize = 16 << 20

// Envelope errors
var (
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrBadEnvelope     = errors.New("malformed envelope")
	ErrSenderMismatch  = errors.New("envelope sender does not match message sender")
	ErrReplay          = errors.New("replayed or expired envelope")
)

// Envelope is the signed wire frame carrying one consensus message.
type Envelope struct {
	Type      string           `json:"type"`
	From      consensus.NodeID `json:"from"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	Nonce     string           `json:"nonce"`
	Signature []byte           `json:"signature,omitempty"`
}

// signingBytes is the byte string covered by the signature.
func (e *Envelope) signingBytes() []byte {
	var buf bytes.Buffer
	var n [8]byte

	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		buf.Write(n[:])
		buf.Write(b)
	}
	writeField([]byte(e.Type))
	binary.BigEndian.PutUint64(n[:], uint64(int64(e.From)))
	buf.Write(n[:])
	binary.BigEndian.PutUint64(n[:], uint64(e.Timestamp.UnixNano()))
	buf.Write(n[:])
	writeField([]byte(e.Nonce))
	writeField(e.Payload)
	return buf.Bytes()
}

// Sealer wraps outbound messages of one replica into signed envelopes.
type Sealer struct {
	signer *crypto.Signer
	seq    uint64
	now    func() time.Time
}

// NewSealer creates a sealer signing with signer.
func NewSealer(signer *crypto.Signer) *Sealer {
	return &Sealer{signer: signer, now: time.Now}
}

// Seal encodes msg and signs it.
func (s *Sealer) Seal(msg consensus.Message) (*Envelope, error) {
	if msg.From() != s.signer.ID() {
		return nil, errors.Wrapf(ErrSenderMismatch, "sealing %s from %d as %d", msg.Type(), msg.From(), s.signer.ID())
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s", msg.Type())
	}

	now := s.now()
	env := &Envelope{
		Type:      msg.Type().String(),
		From:      s.signer.ID(),
		Payload:   payload,
		Timestamp: now,
		Nonce:     fmt.Sprintf("%d-%d-%d", s.signer.ID(), now.UnixNano(), atomic.AddUint64(&s.seq, 1)),
	}
	env.Signature = s.signer.Sign(env.signingBytes())
	return env, nil
}

// Open verifies env against keys and decodes the consensus message it carries.
func Open(env *Envelope, keys *crypto.KeyRing) (consensus.Message, error) {
	if err := keys.Verify(env.From, env.signingBytes(), env.Signature); err != nil {
		return nil, err
	}

	t, ok := consensus.ParseMessageType(env.Type)
	if !ok {
		return nil, errors.Wrapf(ErrBadEnvelope, "unknown message type %q", env.Type)
	}
	msg := consensus.NewMessage(t)
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, errors.Wrapf(ErrBadEnvelope, "decode %s: %v", env.Type, err)
	}
	if msg.From() != env.From {
		return nil, errors.Wrapf(ErrSenderMismatch, "%s claims %d, signed by %d", env.Type, msg.From(), env.From)
	}
	return msg, nil
}

// EncodeEnvelope serializes env for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal envelope")
	}
	if len(data) > MaxNetworkMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}
	return data, nil
}

// DecodeEnvelope parses a wire frame. Signatures are not checked here.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) > MaxNetworkMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	if env.Type == "" || len(env.Payload) == 0 {
		return nil, errors.Wrap(ErrBadEnvelope, "missing type or payload")
	}
	return &env, nil
}
