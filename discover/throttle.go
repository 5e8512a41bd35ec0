package discover

import (
	"sync"
	"time"
)

// Burst and perSecond set the leaky-bucket shape per spec.md §4.5: the
// event that brings a peer's count to 10 is the first one throttled (so 9
// pass in a burst), and the bucket drains by 2 on every one-second decay
// tick.
const (
	throttleBurst     = 10
	throttlePerSecond = 2
)

// spamThrottle is a per-IP leaky-bucket counter. The server keeps one
// instance for ingress and a separate one for egress (spec.md §4.5).
type spamThrottle struct {
	mu            sync.Mutex
	hits          map[string]int
	lastDecayTime time.Time
}

func newSpamThrottle() *spamThrottle {
	return &spamThrottle{
		hits:          make(map[string]int),
		lastDecayTime: time.Now(),
	}
}

// addAndTest bumps key's counter (saturating at throttleBurst) and reports
// whether the new count reached the burst ceiling, meaning the caller
// should drop the triggering event.
func (s *spamThrottle) addAndTest(key string) bool {
	return s.saturatingAdd(key) >= throttleBurst
}

// test is the non-mutating check used on the egress path when a message is
// enqueued; the counting addAndTest runs again immediately before the write.
func (s *spamThrottle) test(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key] >= throttleBurst
}

func (s *spamThrottle) saturatingAdd(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.hits[key] + 1
	if n > throttleBurst {
		n = throttleBurst
	}
	s.hits[key] = n
	return n
}

// saturatingDec lowers key's counter by one, removing the entry entirely
// once it reaches zero so the map doesn't grow unboundedly with idle peers.
func (s *spamThrottle) saturatingDec(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.hits[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(s.hits, key)
		return
	}
	s.hits[key] = n - 1
}

func (s *spamThrottle) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hits, key)
}

// decay drains every tracked counter by throttlePerSecond for each whole
// second elapsed since the last call, and is a no-op within the same
// second (the I/O loop's decay tick calls this once per second; spec.md
// §4.1's "decay tick" / §5's "throttle decay period is 1 second").
func (s *spamThrottle) decay() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deltaSeconds := int(now.Sub(s.lastDecayTime) / time.Second)
	if deltaSeconds < 1 {
		return
	}
	s.lastDecayTime = now

	deltaCount := deltaSeconds * throttlePerSecond
	for key, n := range s.hits {
		if n <= deltaCount {
			delete(s.hits, key)
			continue
		}
		s.hits[key] = n - deltaCount
	}
}
