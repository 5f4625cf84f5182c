// Package crypto provides the digest and signature primitives used by
// replicas: SHA3-256 content digests and Ed25519 message signatures.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Crypto errors
var (
	ErrUnknownSigner    = errors.New("unknown signer")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid key")
)

// SHA3 implements consensus.Digester with SHA3-256.
type SHA3 struct{}

// Digest hashes data.
func (SHA3) Digest(data []byte) consensus.Digest {
	return consensus.Digest(sha3.Sum256(data))
}

// Hash is SHA3{}.Digest for callers outside the consensus types.
func Hash(data []byte) consensus.Digest {
	return SHA3{}.Digest(data)
}

// Signer signs outbound messages for one replica.
type Signer struct {
	id  consensus.NodeID
	key ed25519.PrivateKey
}

// NewSigner creates a signer for replica id.
func NewSigner(id consensus.NodeID, key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "private key length %d", len(key))
	}
	return &Signer{id: id, key: key}, nil
}

// ID returns the replica id the signer signs for.
func (s *Signer) ID() consensus.NodeID { return s.id }

// Sign signs data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.key, data)
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// KeyRing holds the public keys of every replica.
type KeyRing struct {
	keys map[consensus.NodeID]ed25519.PublicKey
	mu   sync.RWMutex
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[consensus.NodeID]ed25519.PublicKey)}
}

// Add registers the public key of replica id.
func (k *KeyRing) Add(id consensus.NodeID, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return errors.Wrapf(ErrInvalidKey, "public key length %d for replica %d", len(pub), id)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = pub
	return nil
}

// Verify checks that sig over data was produced by replica id.
func (k *KeyRing) Verify(id consensus.NodeID, data, sig []byte) error {
	k.mu.RLock()
	pub, ok := k.keys[id]
	k.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownSigner, "replica %d", id)
	}
	if !ed25519.Verify(pub, data, sig) {
		return errors.Wrapf(ErrInvalidSignature, "replica %d", id)
	}
	return nil
}

// Len returns the number of registered keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// GenerateKey creates a new Ed25519 key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate key")
	}
	return pub, priv, nil
}

// EncodeKey hex-encodes a public or private key.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodePublicKey parses a hex public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode public key")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "public key length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// DecodePrivateKey parses a hex private key. A 32-byte seed is accepted too.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode private key")
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "private key length %d", len(b))
	}
}
