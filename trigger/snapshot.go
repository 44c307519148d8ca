package trigger

import (
	"sync"
	"time"
)

// Observation is one typed value written by a monitor, tagged with the
// instant it was produced.
type Observation struct {
	Value interface{}
	At    time.Time
}

// Snapshot is the process-local key/value namespace shared by the
// environmental monitors (writers) and the trigger evaluator (reader).
// Writes are atomic per key, last-writer-wins; View returns a consistent
// point-in-time copy so an evaluation never sees a torn update.
type Snapshot struct {
	mu   sync.RWMutex
	vals map[string]Observation
}

func NewSnapshot() *Snapshot {
	return &Snapshot{vals: make(map[string]Observation)}
}

// Set records a value under key. Monitors call this on every sample; a
// crashed monitor simply stops calling and the last known value stays.
func (s *Snapshot) Set(key string, value interface{}, at time.Time) {
	s.mu.Lock()
	s.vals[key] = Observation{Value: value, At: at}
	s.mu.Unlock()
}

// SetAll records a batch of values under a common timestamp.
func (s *Snapshot) SetAll(values map[string]interface{}, at time.Time) {
	s.mu.Lock()
	for k, v := range values {
		s.vals[k] = Observation{Value: v, At: at}
	}
	s.mu.Unlock()
}

// Get returns the observation stored under key.
func (s *Snapshot) Get(key string) (Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.vals[key]
	return o, ok
}

// View returns a point-in-time copy of all current values, in the shape
// the trigger evaluator consumes.
func (s *Snapshot) View() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.vals))
	for k, o := range s.vals {
		out[k] = o.Value
	}
	return out
}
