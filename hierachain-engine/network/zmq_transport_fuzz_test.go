package network

import (
	"encoding/json"
	"testing"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// FuzzDecodeEnvelope tests envelope parsing and verification with random inputs.
// Run with: go test -fuzz=FuzzDecodeEnvelope -fuzztime=30s ./hierachain-engine/network/
func FuzzDecodeEnvelope(f *testing.F) {
	sealer, keys := testSealer(f, 1)
	env, err := sealer.Seal(&consensus.Prepare{View: 0, Seq: 1, Sender: 1})
	if err != nil {
		f.Fatalf("Seal failed: %v", err)
	}
	valid, _ := EncodeEnvelope(env)
	f.Add(valid)

	f.Add([]byte(`{"type":"prepare","from":1,"payload":{}}`))
	f.Add([]byte(`{"type":"new-view","from":0,"payload":{"view_changes":[{}]}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`null`))
	f.Add([]byte(`"string"`))
	f.Add([]byte(`{"type":"","from":-1,"payload":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := DecodeEnvelope(data)
		if err != nil {
			return
		}
		// Only the seeded envelope carries a valid signature.
		if msg, err := Open(env, keys); err == nil && msg.From() != env.From {
			t.Errorf("Opened message from %d in envelope from %d", msg.From(), env.From)
		}
	})
}

// FuzzPeerInfoParsing tests PeerInfo JSON parsing with random inputs.
// Run with: go test -fuzz=FuzzPeerInfoParsing -fuzztime=30s ./hierachain-engine/network/
func FuzzPeerInfoParsing(f *testing.F) {
	f.Add([]byte(`{"id":1,"address":"tcp://127.0.0.1:5000"}`))
	f.Add([]byte(`{"id":0,"address":"","public_key":null}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var peer PeerInfo
		if err := json.Unmarshal(data, &peer); err == nil {
			_, _ = json.Marshal(peer)
		}
	})
}

// FuzzMessageSizeCheck tests that oversized frames are rejected before parsing.
func FuzzMessageSizeCheck(f *testing.F) {
	f.Add(100)
	f.Add(1024)
	f.Add(MaxNetworkMessageSize + 1)

	f.Fuzz(func(t *testing.T, size int) {
		if size < 0 || size > 2*MaxNetworkMessageSize {
			return
		}
		_, err := DecodeEnvelope(make([]byte, size))
		if size > MaxNetworkMessageSize && err == nil {
			t.Errorf("Frame of %d bytes accepted", size)
		}
	})
}
