package main

import (
	"bytes"
	"strconv"
)

// KVStore is the replicated application: a string map driven by text
// commands "set <key> <value>", "get <key>" and "del <key>".
type KVStore struct {
	data map[string]string
}

// NewKVStore creates an empty store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

// Execute applies one command. It is deterministic: equal command
// sequences produce equal results on every replica.
func (s *KVStore) Execute(op []byte) []byte {
	fields := bytes.Fields(op)
	if len(fields) == 0 {
		return []byte("ERR empty command")
	}

	switch string(bytes.ToLower(fields[0])) {
	case "set":
		if len(fields) != 3 {
			return []byte("ERR usage: set <key> <value>")
		}
		s.data[string(fields[1])] = string(fields[2])
		return []byte("OK")
	case "get":
		if len(fields) != 2 {
			return []byte("ERR usage: get <key>")
		}
		v, ok := s.data[string(fields[1])]
		if !ok {
			return []byte("(nil)")
		}
		return []byte(v)
	case "del":
		if len(fields) != 2 {
			return []byte("ERR usage: del <key>")
		}
		_, ok := s.data[string(fields[1])]
		delete(s.data, string(fields[1]))
		if ok {
			return []byte("1")
		}
		return []byte("0")
	case "len":
		return []byte(strconv.Itoa(len(s.data)))
	default:
		return []byte("ERR unknown command " + string(fields[0]))
	}
}
