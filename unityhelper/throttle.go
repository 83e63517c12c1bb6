package unityhelper

import (
	"sync"
	"time"
)

const (
	DefaultThrottleWindow      = 60 * time.Second
	DefaultThrottleMaxRequests = 5
)

// ThrottleState is the per-user counting window tracked by [RequestThrottle].
type ThrottleState struct {
	UserID       string
	WindowStart  time.Time
	RequestCount int
}

// ThrottleStore holds [ThrottleState] by user ID. Update must run fn
// atomically with respect to other updates for the same user, and
// create the state if it doesn't exist yet.
type ThrottleStore interface {
	Update(userID string, fn func(state *ThrottleState))
}

// Decision is the outcome of [RequestThrottle.Allow].
type Decision struct {
	Admitted bool

	// RetryAfter is how long until the user's window resets. Only set
	// when the request was rejected.
	RetryAfter time.Duration
}

func Admit() Decision {
	return Decision{Admitted: true}
}

func Reject(retryAfter time.Duration) Decision {
	return Decision{RetryAfter: retryAfter}
}

// RetryAfterSeconds returns RetryAfter rounded up to the next whole second.
// Rejections always report at least 1.
func (d Decision) RetryAfterSeconds() int {
	if d.Admitted {
		return 0
	}
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ThrottleConfig sets the window length and the number of requests
// admitted per user within each window.
type ThrottleConfig struct {
	Window      time.Duration `yaml:"window" mapstructure:"window" json:"window" validate:"gt=0"`
	MaxRequests int           `yaml:"max_requests" mapstructure:"max_requests" json:"max_requests" validate:"gt=0"`
}

// RequestThrottle is a per-user fixed window counter. A user may make
// MaxRequests requests per window; the window starts with the first
// request after the previous window expired.
//
// Because windows are fixed rather than sliding, a user can get up to
// 2*MaxRequests admitted in quick succession across a window boundary.
// State lives only in the given store, so separate processes enforce
// their limits independently.
type RequestThrottle struct {
	store  ThrottleStore
	config ThrottleConfig
	Clock  func() time.Time
}

func NewRequestThrottle(store ThrottleStore, config ThrottleConfig) *RequestThrottle {
	if config.Window <= 0 {
		config.Window = DefaultThrottleWindow
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultThrottleMaxRequests
	}
	if store == nil {
		store = NewMemoryThrottleStore()
	}
	return &RequestThrottle{
		store:  store,
		config: config,
		Clock:  time.Now,
	}
}

// Allow decides whether userID may make a request now, counting it
// against the current window if so.
func (r *RequestThrottle) Allow(userID string) Decision {
	var decision Decision
	r.store.Update(
		userID, func(state *ThrottleState) {
			now := r.Clock()
			state.UserID = userID
			elapsed := now.Sub(state.WindowStart)
			if state.WindowStart.IsZero() || elapsed >= r.config.Window {
				state.WindowStart = now
				state.RequestCount = 0
				elapsed = 0
			}
			if state.RequestCount < r.config.MaxRequests {
				state.RequestCount++
				decision = Admit()
				return
			}
			decision = Reject(r.config.Window - elapsed)
		},
	)
	return decision
}

func (r *RequestThrottle) Config() ThrottleConfig {
	return r.config
}

type throttleEntry struct {
	mu      sync.Mutex
	state   ThrottleState
	removed bool
}

// MemoryThrottleStore keeps [ThrottleState] in a map for the life of
// the process. The map lock is only held for lookup; each user's
// state has its own lock.
type MemoryThrottleStore struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
}

func NewMemoryThrottleStore() *MemoryThrottleStore {
	return &MemoryThrottleStore{entries: map[string]*throttleEntry{}}
}

func (m *MemoryThrottleStore) entry(userID string) *throttleEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		e = &throttleEntry{state: ThrottleState{UserID: userID}}
		m.entries[userID] = e
	}
	return e
}

func (m *MemoryThrottleStore) Update(userID string, fn func(state *ThrottleState)) {
	for {
		e := m.entry(userID)
		e.mu.Lock()
		if e.removed {
			// pruned between lookup and lock
			e.mu.Unlock()
			continue
		}
		fn(&e.state)
		e.mu.Unlock()
		return
	}
}

// Get returns a copy of the user's state, if one exists.
func (m *MemoryThrottleStore) Get(userID string) (ThrottleState, bool) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	if !ok {
		return ThrottleState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func (m *MemoryThrottleStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Prune removes entries whose window expired before now, returning the
// number removed. A pruned user behaves the same as one whose window
// expired: their next request starts a new window.
func (m *MemoryThrottleStore) Prune(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for userID, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.state.WindowStart) >= window {
			e.removed = true
			delete(m.entries, userID)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}
