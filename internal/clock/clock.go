// Package clock provides logical time sources for the raffle engine.
package clock

import (
	"sync"
	"time"

	"nft-raffle/internal/models"
)

// System reads the wall clock.
type System struct{}

func (System) Now() models.Timestamp {
	return models.Timestamp(time.Now().Unix())
}

// Manual is a settable clock. It never moves backwards.
type Manual struct {
	mu  sync.Mutex
	now models.Timestamp
}

// NewManual returns a Manual clock reading start.
func NewManual(start models.Timestamp) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() models.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, truncated to whole seconds.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += models.Timestamp(d / time.Second)
	m.mu.Unlock()
}

// Set moves the clock to ts. Earlier readings are ignored.
func (m *Manual) Set(ts models.Timestamp) {
	m.mu.Lock()
	if ts > m.now {
		m.now = ts
	}
	m.mu.Unlock()
}
