package broadcast

import (
	"sync"
	"testing"
)

func TestSerial_SameGroupIsExclusive(t *testing.T) {
	s := NewSerial()
	var (
		wg     sync.WaitGroup
		inside int
		max    int
		mu     sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("g1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > max {
				max = inside
			}
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Errorf("max concurrent holders = %d, want 1", max)
	}
}
