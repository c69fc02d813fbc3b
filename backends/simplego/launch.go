// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// minThreadsPerWorker is the minimum number of kernel threads run by each worker goroutine.
const minThreadsPerWorker = 256

// Launch implements backends.Backend. It runs all threads before returning, unless a capture is active,
// in which case the launch is recorded.
//
// A panic in any thread is returned as an error, and it is also reported by VerifyDevice from then on.
func (b *Backend) Launch(entry backends.Entry, bounds abi.LaunchBounds, params *abi.ParamBlock) error {
	e, ok := entry.(*Entry)
	if !ok || e == nil {
		return errors.Errorf("%s: invalid entry point of type %T", b, entry)
	}
	if params.Len() != 1+len(e.layout) {
		return errors.Errorf("%s: entry %q expects %d parameters plus the launch bounds, got %d",
			b, e.Symbol, len(e.layout), params.Len())
	}
	params = params.Clone()
	return b.enqueue(func() error {
		return b.run(e, bounds, params)
	})
}

func (b *Backend) run(e *Entry, bounds abi.LaunchBounds, params *abi.ParamBlock) error {
	args, err := newArgs(e, b.device, bounds, params)
	if err != nil {
		return errors.WithMessagef(err, "%s: launch", b)
	}
	klog.V(3).Infof("%s: running %s over %d threads", b, e.Symbol, bounds.Size)

	var (
		muFault sync.Mutex
		fault   error
	)
	b.workers.ParallelFor(int(bounds.Size), minThreadsPerWorker, func(start, end int) {
		tid := start
		exception := exceptions.Try(func() {
			for ; tid < end; tid++ {
				if e.Pass == codegen.Forward {
					e.kernel.Forward(tid, args)
				} else {
					e.kernel.Backward(tid, args)
				}
			}
		})
		if exception != nil {
			err, ok := exception.(error)
			if !ok {
				err = errors.Errorf("%v", exception)
			}
			muFault.Lock()
			if fault == nil {
				fault = errors.Wrapf(err, "kernel %q faulted in thread %d", e.Symbol, tid)
			}
			muFault.Unlock()
		}
	})
	if fault != nil {
		b.mu.Lock()
		if b.fault == nil {
			b.fault = fault
		}
		b.mu.Unlock()
		return errors.WithMessagef(fault, "%s", b)
	}
	return nil
}
