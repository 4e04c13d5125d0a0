package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPassContext_Basic(t *testing.T) {
	pc := Get()
	defer Put(pc)

	assert.False(t, pc.MarkVisited(0), "first visit")
	assert.True(t, pc.MarkVisited(0), "second visit")
	assert.Equal(t, uint(1), pc.Visited.Count())
}

func TestPassContext_Growth(t *testing.T) {
	pc := Get()
	defer Put(pc)

	large := uint32(DefaultVisitedBits * 10)
	assert.False(t, pc.MarkVisited(large))
	assert.True(t, pc.MarkVisited(large))
}

func TestPassContext_ReuseIsCleared(t *testing.T) {
	pc := Get()
	pc.MarkVisited(17)
	Put(pc)

	again := Get()
	defer Put(again)
	assert.False(t, again.MarkVisited(17))
}

func TestPassContext_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				pc := Get()
				for h := uint32(0); h < 50; h++ {
					assert.False(t, pc.MarkVisited(h))
				}
				Put(pc)
			}
		}()
	}
	wg.Wait()
}
