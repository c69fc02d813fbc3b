// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelForCoversRange(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		for _, n := range []int{0, 1, 7, 1000, 4097} {
			visited := make([]int32, n)
			var calls atomic.Int32
			pool.ParallelFor(n, 16, func(start, end int) {
				calls.Add(1)
				for ii := start; ii < end; ii++ {
					atomic.AddInt32(&visited[ii], 1)
				}
			})
			for ii, count := range visited {
				if !assert.Equal(t, int32(1), count, "parallelism=%d, n=%d, index=%d", parallelism, n, ii) {
					break
				}
			}
			if parallelism == 0 && n > 0 {
				assert.Equal(t, int32(1), calls.Load(), "disabled parallelism runs a single chunk")
			}
		}
	}
}

func TestStartIfAvailable(t *testing.T) {
	pool := NewWithParallelism(1)
	assert.True(t, pool.IsEnabled())
	assert.False(t, pool.IsUnlimited())

	release := make(chan struct{})
	var started atomic.Int32
	for range goroutineToParallelismRatio {
		assert.True(t, pool.StartIfAvailable(func() {
			started.Add(1)
			<-release
		}))
	}
	assert.False(t, pool.StartIfAvailable(func() {}), "pool should be full")

	// A sleeping worker frees a slot temporarily.
	pool.WorkerIsAsleep()
	done := make(chan struct{})
	assert.True(t, pool.StartIfAvailable(func() { close(done) }))
	<-done
	pool.WorkerRestarted()
	close(release)

	pool.SetMaxParallelism(0)
	var ran bool
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran, "disabled pool runs tasks inline")
}
