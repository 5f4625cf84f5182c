package data

import (
	"testing"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// FuzzJSONToRecord tests JSON to Arrow conversion with random inputs.
// Run with: go test -fuzz=FuzzJSONToRecord -fuzztime=30s ./hierachain-engine/data/
func FuzzJSONToRecord(f *testing.F) {
	f.Add([]byte(`[{"seq":1,"view":0,"request":{"client_id":"a","nonce":1}}]`))
	f.Add([]byte(`[{"seq":2,"noop":true}]`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`[{}]`))

	// Malformed inputs
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`[{"digest":"zz"}]`))
	f.Add([]byte(`[1,2,3]`))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, data []byte) {
		record, err := c.JSONToRecord(data)
		if err == nil && record != nil {
			if _, err := c.RecordToJSON(record); err != nil {
				t.Errorf("RecordToJSON failed on a converted record: %v", err)
			}
			record.Release()
		}
	})
}

// FuzzExecutionsToRecord tests conversion of arbitrary execution contents.
// Run with: go test -fuzz=FuzzExecutionsToRecord -fuzztime=30s ./hierachain-engine/data/
func FuzzExecutionsToRecord(f *testing.F) {
	f.Add(uint64(1), "client", uint64(1), []byte("op"), []byte("result"), false)
	f.Add(uint64(0), "", uint64(0), []byte{}, []byte(nil), true)
	f.Add(^uint64(0), "very-long-client-identifier", ^uint64(0), []byte{0xff}, []byte{0}, false)

	c := NewConverter()

	f.Fuzz(func(t *testing.T, seq uint64, client string, nonce uint64, op, result []byte, noop bool) {
		in := consensus.Execution{
			Seq:     consensus.Seq(seq),
			Request: consensus.Request{ClientID: client, Nonce: nonce, Operation: op},
			Result:  result,
			Noop:    noop,
		}
		record, err := c.ExecutionsToRecord([]consensus.Execution{in})
		if err != nil {
			t.Fatalf("ExecutionsToRecord failed: %v", err)
		}
		defer record.Release()

		out, err := c.RecordToExecutions(record)
		if err != nil {
			t.Fatalf("RecordToExecutions failed: %v", err)
		}
		if out[0].Seq != in.Seq || out[0].Request.Nonce != nonce || out[0].Noop != noop {
			t.Errorf("Round trip changed execution: %+v", out[0])
		}
		if !noop && out[0].Request.ClientID != client {
			t.Errorf("Client id changed: %q -> %q", client, out[0].Request.ClientID)
		}
	})
}
