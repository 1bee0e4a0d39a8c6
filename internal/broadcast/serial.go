package broadcast

import (
	"hash/maphash"
	"sync"
)

const serialStripes = 64

// Serial orders state announcements per group. Holders of the same group's
// lock publish one at a time; unrelated groups may share a stripe.
type Serial struct {
	seed  maphash.Seed
	locks [serialStripes]sync.Mutex
}

// NewSerial returns a ready Serial.
func NewSerial() *Serial {
	return &Serial{seed: maphash.MakeSeed()}
}

// Lock takes groupID's lock and returns its unlock.
func (s *Serial) Lock(groupID string) (unlock func()) {
	m := &s.locks[maphash.String(s.seed, groupID)%serialStripes]
	m.Lock()
	return m.Unlock
}
