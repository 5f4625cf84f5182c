package core

import (
	"sync"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// timerScheduler implements consensus.Scheduler on top of time.AfterFunc.
// Every Schedule or Cancel bumps the kind's generation, so an expiry that
// raced with a reset is recognised as stale by the event loop.
type timerScheduler struct {
	mu     sync.Mutex
	timers map[consensus.TimerKind]*time.Timer
	gens   map[consensus.TimerKind]uint64
	post   func(kind consensus.TimerKind, gen uint64)
}

func newTimerScheduler(post func(consensus.TimerKind, uint64)) *timerScheduler {
	return &timerScheduler{
		timers: make(map[consensus.TimerKind]*time.Timer),
		gens:   make(map[consensus.TimerKind]uint64),
		post:   post,
	}
}

func (s *timerScheduler) Schedule(kind consensus.TimerKind, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[kind]; ok {
		t.Stop()
	}
	s.gens[kind]++
	gen := s.gens[kind]
	s.timers[kind] = time.AfterFunc(d, func() { s.post(kind, gen) })
}

func (s *timerScheduler) Cancel(kind consensus.TimerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
	s.gens[kind]++
}

// current reports whether gen is the live generation of kind.
func (s *timerScheduler) current(kind consensus.TimerKind, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[kind] != gen {
		return false
	}
	delete(s.timers, kind)
	return true
}

func (s *timerScheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
		s.gens[kind]++
	}
}
