package eventlog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicClockStrictlyIncreases(t *testing.T) {
	clock := NewMonotonicClock()
	prev := clock.NowMS()
	for i := 0; i < 10_000; i++ {
		now := clock.NowMS()
		assert.Greater(t, now, prev)
		prev = now
	}
}

func TestMonotonicClockUnderConcurrency(t *testing.T) {
	clock := NewMonotonicClock()

	const workers = 8
	const perWorker = 1000
	results := make([][]int64, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]int64, perWorker)
			for i := range out {
				out[i] = clock.NowMS()
			}
			results[w] = out
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for _, out := range results {
		for _, ts := range out {
			_, dup := seen[ts]
			assert.False(t, dup, "timestamp %d issued twice", ts)
			seen[ts] = struct{}{}
		}
	}
}
