package replica

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandaloneIsActive(t *testing.T) {
	s := New(false)
	assert.True(t, s.Active())
	assert.False(t, s.Passive())
	assert.False(t, s.Consensus())
}

func TestConsensusStartsPassive(t *testing.T) {
	s := New(true)
	assert.True(t, s.Passive())

	s.SetActive(true)
	assert.False(t, s.Passive())
	assert.True(t, s.Active())
}

func TestAccept(t *testing.T) {
	s := New(true)

	assert.True(t, s.Accept(0))
	assert.True(t, s.Accept(0), "id 0 is never deduplicated")
	assert.True(t, s.Accept(3))
	assert.False(t, s.Accept(3), "duplicate id")
	assert.False(t, s.Accept(2), "stale id")
	assert.True(t, s.Accept(4))
	assert.Equal(t, uint32(4), s.Counter())
}

func TestAcceptConcurrentDuplicates(t *testing.T) {
	s := New(true)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Accept(7) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}
