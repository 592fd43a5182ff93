// Package session maps opaque session keys to private sshmux Multiplexers so
// a stateless front end can route repeated calls from one caller to the same
// set of live connections.
//
// A Store creates a Multiplexer on first access to a key and disconnects it
// once the key has been idle longer than IdleTimeout. Idle sessions are
// removed by a background reaper whose sleep interval follows the soonest
// upcoming expiry, clamped to [MinInterval, MaxInterval]. Inserting a session
// that expires before the reaper's scheduled wake-up wakes it early, so a
// short IdleTimeout is honoured even while the reaper is in a long sleep.
package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshmux/internal/sshmux"
)

// Reaper interval bounds used by NewStore.
const (
	DefaultMinInterval = 5 * time.Second
	DefaultMaxInterval = 60 * time.Second
)

// entry is one session. lastAccessed is stored as the offset from the
// store's epoch so comparisons use the monotonic clock.
type entry struct {
	mux          *sshmux.Multiplexer
	lastAccessed atomic.Int64
}

// Store owns one Multiplexer per session key.
type Store struct {
	// IdleTimeout is how long a session may go untouched before it is
	// disconnected and removed.
	IdleTimeout time.Duration
	// MinInterval and MaxInterval bound the reaper's sleep.
	MinInterval time.Duration
	MaxInterval time.Duration
	// New builds the Multiplexer for a new session key.
	New func() *sshmux.Multiplexer

	epoch time.Time

	// sessions is read without mu on the fast path of Get; mu guards every
	// insert and delete.
	sessions sync.Map // string -> *entry
	mu       sync.Mutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// wakeCh nudges the reaper when a new session expires before nextWake.
	wakeCh   chan struct{}
	nextWake atomic.Int64
}

// NewStore returns a stopped Store. Call Start to begin reaping.
func NewStore(idleTimeout time.Duration, factory func() *sshmux.Multiplexer) *Store {
	return &Store{
		IdleTimeout: idleTimeout,
		MinInterval: DefaultMinInterval,
		MaxInterval: DefaultMaxInterval,
		New:         factory,
		epoch:       time.Now(),
		wakeCh:      make(chan struct{}, 1),
	}
}

func (s *Store) now() int64 {
	return int64(time.Since(s.epoch))
}

// Get returns the Multiplexer for key, creating it on first use, and marks
// the session as accessed.
func (s *Store) Get(key string) *sshmux.Multiplexer {
	if v, ok := s.sessions.Load(key); ok {
		e := v.(*entry)
		e.lastAccessed.Store(s.now())
		return e.mux
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.sessions.Load(key); ok {
		e := v.(*entry)
		e.lastAccessed.Store(s.now())
		return e.mux
	}

	log.Printf("[session-store] creating new session for key %s", key)
	e := &entry{mux: s.New()}
	now := s.now()
	e.lastAccessed.Store(now)
	s.sessions.Store(key, e)

	if expiry := now + int64(s.IdleTimeout); s.running && expiry < s.nextWake.Load() {
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}
	return e.mux
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Start launches the reaper. Calling it again while running is a no-op.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	interval := s.nextInterval()
	s.nextWake.Store(s.now() + int64(interval))
	go s.reapLoop(interval, s.stopCh, s.doneCh)
	log.Printf("[session-store] started (idle timeout %s)", s.IdleTimeout)
}

// Stop ends the reaper, waits for it to exit, then disconnects every
// remaining session. It is safe to call without Start and more than once.
func (s *Store) Stop() {
	s.mu.Lock()
	running := s.running
	stopCh, doneCh := s.stopCh, s.doneCh
	s.running = false
	s.mu.Unlock()

	if running {
		close(stopCh)
		<-doneCh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	s.sessions.Range(func(k, v any) bool {
		s.sessions.Delete(k)
		v.(*entry).mux.Disconnect("")
		count++
		return true
	})
	log.Printf("[session-store] stopped and cleared (%d sessions closed)", count)
}

func (s *Store) reapLoop(interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			interval = s.reap()
		case <-s.wakeCh:
			interval = s.nextInterval()
		}
		s.nextWake.Store(s.now() + int64(interval))
		timer.Reset(interval)
	}
}

// reap removes every session idle for at least IdleTimeout and returns the
// interval until the next sweep. Each candidate is re-checked under the lock
// so a touch that lands after the scan keeps the session alive. Disconnects
// happen outside the lock.
func (s *Store) reap() time.Duration {
	now := s.now()
	var candidates []string
	s.sessions.Range(func(k, v any) bool {
		if now-v.(*entry).lastAccessed.Load() >= int64(s.IdleTimeout) {
			candidates = append(candidates, k.(string))
		}
		return true
	})

	for _, key := range candidates {
		var victim *entry
		s.mu.Lock()
		if v, ok := s.sessions.Load(key); ok {
			e := v.(*entry)
			if s.now()-e.lastAccessed.Load() >= int64(s.IdleTimeout) {
				s.sessions.Delete(key)
				victim = e
			}
		}
		s.mu.Unlock()

		if victim != nil {
			log.Printf("[session-store] cleaning up idle session %s", key)
			victim.mux.Disconnect("")
		}
	}
	return s.nextInterval()
}

// nextInterval is the time until the soonest surviving session expires,
// clamped to [MinInterval, MaxInterval]. With no sessions it is MaxInterval.
func (s *Store) nextInterval() time.Duration {
	now := s.now()
	var soonest time.Duration
	found := false
	s.sessions.Range(func(_, v any) bool {
		remaining := time.Duration(v.(*entry).lastAccessed.Load() + int64(s.IdleTimeout) - now)
		if !found || remaining < soonest {
			soonest = remaining
			found = true
		}
		return true
	})
	if !found || soonest > s.MaxInterval {
		return s.MaxInterval
	}
	return max(soonest, s.MinInterval)
}
