package render

import (
	"strconv"
	"sync"
	"time"
)

// Stamper hands out cache-busting tokens. Tokens are millisecond
// timestamps that never repeat, even when asked twice in the same
// millisecond.
type Stamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewStamper returns a Stamper driven by the wall clock
func NewStamper() *Stamper {
	return &Stamper{now: time.Now}
}

// Next returns a token greater than every token returned before
func (s *Stamper) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return strconv.FormatInt(ms, 10)
}
