package main

import "testing"

func TestKVStore(t *testing.T) {
	s := NewKVStore()

	steps := []struct {
		op   string
		want string
	}{
		{"get a", "(nil)"},
		{"set a 1", "OK"},
		{"get a", "1"},
		{"SET b 2", "OK"},
		{"len", "2"},
		{"del a", "1"},
		{"del a", "0"},
		{"set a", "ERR usage: set <key> <value>"},
		{"", "ERR empty command"},
		{"incr a", "ERR unknown command incr"},
	}
	for _, step := range steps {
		if got := string(s.Execute([]byte(step.op))); got != step.want {
			t.Errorf("%q: expected %q, got %q", step.op, step.want, got)
		}
	}
}

func TestSimulation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cluster simulation in short mode")
	}
	if err := runSimulation(simulationConfig{F: 1, Ops: 25}); err != nil {
		t.Fatalf("Simulation failed: %v", err)
	}
}
