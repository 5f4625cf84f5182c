package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// NodeID identifies a replica in [0, n).
type NodeID int

// View is a numbered epoch with one designated primary.
type View uint64

// Seq is a sequence number assigned by the primary.
type Seq uint64

// DigestSize is the size of a Digest in bytes.
const DigestSize = 32

// Digest is a fixed-size content hash.
type Digest [DigestSize]byte

// ZeroDigest is the digest carried by no-op proposals.
var ZeroDigest Digest

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first eight hex characters, for logs.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:4])
}

// MarshalText encodes the digest as hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return errors.Wrap(err, "failed to decode digest")
	}
	if len(b) != DigestSize {
		return errors.Errorf("invalid digest length: got %d, expected %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return nil
}

// ParseDigest decodes a hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// Slot addresses one log entry.
type Slot struct {
	View View `json:"view"`
	Seq  Seq  `json:"seq"`
}

func (s Slot) String() string {
	return fmt.Sprintf("%d:%d", s.View, s.Seq)
}

// Request is a client operation. It is immutable once submitted.
type Request struct {
	ClientID  string `json:"client_id"`
	Nonce     uint64 `json:"nonce"`
	Operation []byte `json:"operation,omitempty"`
}

// IsNoop reports whether r is the placeholder proposed for sequence numbers
// that no view-change message certified.
func (r Request) IsNoop() bool {
	return r.ClientID == "" && r.Nonce == 0 && len(r.Operation) == 0
}

// Key returns the idempotence key of the request.
func (r Request) Key() RequestKey {
	return RequestKey{ClientID: r.ClientID, Nonce: r.Nonce}
}

// Encode returns the canonical byte form hashed into the request digest.
func (r Request) Encode() []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(r.ClientID))
	_ = binary.Write(&buf, binary.BigEndian, r.Nonce)
	writeField(&buf, r.Operation)
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(b))) // #nosec G115 - request fields are bounded by transport limits
	buf.Write(b)
}

// RequestKey identifies a request for deduplication.
type RequestKey struct {
	ClientID string
	Nonce    uint64
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s/%d", k.ClientID, k.Nonce)
}

// RequestDigest hashes a request; the no-op request hashes to ZeroDigest.
func RequestDigest(d Digester, r Request) Digest {
	if r.IsNoop() {
		return ZeroDigest
	}
	return d.Digest(r.Encode())
}

// ChainDigest folds one executed entry into the running state digest.
func ChainDigest(d Digester, prev Digest, seq Seq, request, result Digest) Digest {
	buf := make([]byte, 0, 3*DigestSize+8)
	buf = append(buf, prev[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(seq))
	buf = append(buf, request[:]...)
	buf = append(buf, result[:]...)
	return d.Digest(buf)
}
