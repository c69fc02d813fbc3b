// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tape implements reverse-mode differentiation of kernel launches.
//
// A Tape records the forward launches issued while its recording scope is open, and Backward replays the
// backward entry points of the recorded kernels in reverse order, accumulating adjoints (gradients) into
// arrays keyed by the original forward arrays:
//
//	t := tape.New(rt)
//	scope := must.M1(t.Begin())
//	err := rt.Launch(square, dim, []any{x}, []any{y}, device)
//	err = rt.Launch(sum, dim, []any{y}, []any{loss}, device)
//	scope.End()
//	err = t.Backward(loss)
//	gradX := t.Gradient(x)
//
// Only arrays with RequiresGrad set get adjoint arrays.
package tape

import (
	"reflect"
	"slices"
	"sync"

	"github.com/gomlx/gokernels/pkg/core/arrays"
	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gokernels/pkg/runtime"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tape of forward launches and the adjoints computed by Backward.
type Tape struct {
	rt *runtime.Runtime

	mu       sync.Mutex
	records  []runtime.LaunchRecord
	adjoints map[*arrays.Array]*arrays.Array

	// owned adjoints were allocated by the tape, and are released by Reset.
	owned map[*arrays.Array]bool
}

var _ runtime.Recorder = (*Tape)(nil)

// New creates an empty tape for launches of the runtime.
func New(rt *runtime.Runtime) *Tape {
	return &Tape{
		rt:       rt,
		adjoints: make(map[*arrays.Array]*arrays.Array),
		owned:    make(map[*arrays.Array]bool),
	}
}

// Begin opens the runtime's recording scope, with the tape receiving the records. Close it with
// RecordingScope.End.
//
// It fails if another recording scope is open.
func (t *Tape) Begin() (*runtime.RecordingScope, error) {
	return t.rt.BeginRecording(t)
}

// Record implements runtime.Recorder.
func (t *Tape) Record(rec runtime.LaunchRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
}

// Records returns the recorded launches, in launch order.
func (t *Tape) Records() []runtime.LaunchRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.records)
}

// Backward seeds the adjoint of loss, which must be a float32 array with a single element, with 1, and
// replays the backward of every recorded launch in reverse order.
func (t *Tape) Backward(loss *arrays.Array) error {
	if loss == nil {
		return errors.New("tape.Backward: nil loss")
	}
	if !ktypes.Equal(loss.Elem(), ktypes.Float32) || loss.Len() != 1 {
		return errors.Errorf("tape.Backward: loss must be a single float32 value, got %s", loss)
	}
	seed, err := runtime.FromSlice(t.rt, []float32{1}, loss.Device(), loss.Shape()...)
	if err != nil {
		return errors.WithMessage(err, "tape.Backward: seeding loss adjoint")
	}
	t.mu.Lock()
	t.setAdjointLocked(loss, seed, true)
	t.mu.Unlock()
	return t.replay()
}

// BackwardWithGrads seeds the adjoints of the given arrays with the caller's gradient arrays, and replays
// the backward of every recorded launch in reverse order. Gradients are accumulated into the caller's
// arrays, which the tape never releases.
func (t *Tape) BackwardWithGrads(grads map[*arrays.Array]*arrays.Array) error {
	t.mu.Lock()
	for a, grad := range grads {
		if a == nil || grad == nil {
			t.mu.Unlock()
			return errors.New("tape.BackwardWithGrads: nil array or gradient")
		}
		if !a.SameLayout(grad) {
			t.mu.Unlock()
			return errors.Errorf("tape.BackwardWithGrads: gradient %s doesn't match array %s", grad, a)
		}
		t.setAdjointLocked(a, grad, false)
	}
	t.mu.Unlock()
	return t.replay()
}

// setAdjointLocked replaces the adjoint of a, releasing the previous one if the tape owns it.
func (t *Tape) setAdjointLocked(a, adj *arrays.Array, owned bool) {
	if prev := t.adjoints[a]; prev != nil && prev != adj && t.owned[prev] {
		delete(t.owned, prev)
		if err := prev.Release(); err != nil {
			klog.Warningf("tape: releasing adjoint of %s: %v", a, err)
		}
	}
	t.adjoints[a] = adj
	if owned {
		t.owned[adj] = true
	}
}

// replay launches the backward entry points of the records in reverse order.
func (t *Tape) replay() error {
	records := t.Records()
	for ii := len(records) - 1; ii >= 0; ii-- {
		rec := records[ii]
		if rec.Kernel.IsSkipReplay() {
			klog.V(2).Infof("tape: skipping replay of %s", rec.Kernel.Key())
			continue
		}
		descriptors := rec.Kernel.Descriptors()
		if len(rec.Inputs)+len(rec.Outputs) != len(descriptors) {
			return errors.Errorf("tape: record of %s has %d arguments, the kernel now has %d parameters",
				rec.Kernel.Key(), len(rec.Inputs)+len(rec.Outputs), len(descriptors))
		}
		adjInputs, err := t.adjointsOf(rec.Inputs, descriptors)
		if err != nil {
			return err
		}
		adjOutputs, err := t.adjointsOf(rec.Outputs, descriptors[len(rec.Inputs):])
		if err != nil {
			return err
		}
		err = t.rt.Launch(rec.Kernel, rec.Dim, rec.Inputs, rec.Outputs, rec.Device, runtime.Adjoint(adjInputs, adjOutputs))
		if err != nil {
			return errors.WithMessagef(err, "tape: backward of %s (record #%d)", rec.Kernel.Key(), ii)
		}
	}
	return nil
}

// adjointsOf returns the adjoint arguments of a list of forward arguments.
func (t *Tape) adjointsOf(args []any, descriptors []kernels.ParamDescriptor) ([]any, error) {
	adjoints := make([]any, len(args))
	for ii, arg := range args {
		desc := descriptors[ii]
		switch desc.Kind {
		case kernels.ArrayParam:
			a, _ := arg.(*arrays.Array)
			if a == nil {
				adjoints[ii] = nil
				continue
			}
			adj, err := t.adjointOf(a)
			if err != nil {
				return nil, err
			}
			if adj == nil {
				adjoints[ii] = nil
			} else {
				adjoints[ii] = adj
			}
		case kernels.VectorParam:
			adjoints[ii] = make([]float32, desc.Length)
		case kernels.ScalarParam:
			adjoints[ii] = zeroOf(desc.DType)
		}
	}
	return adjoints, nil
}

// adjointOf returns the adjoint of a, allocating a zeroed one if a requires gradients and has none yet.
// It returns nil for arrays that don't require gradients.
func (t *Tape) adjointOf(a *arrays.Array) (*arrays.Array, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if adj := t.adjoints[a]; adj != nil {
		return adj, nil
	}
	if !a.RequiresGrad() {
		return nil, nil
	}
	adj, err := t.rt.ZerosLike(a)
	if err != nil {
		return nil, errors.WithMessagef(err, "tape: allocating adjoint of %s", a)
	}
	t.setAdjointLocked(a, adj, true)
	return adj, nil
}

// zeroOf returns the zero value of the Go type of dtype.
func zeroOf(dtype dtypes.DType) any {
	if goType := dtype.GoType(); goType != nil {
		return reflect.Zero(goType).Interface()
	}
	return 0
}

// Gradient returns the adjoint accumulated for a, or nil if there is none.
func (t *Tape) Gradient(a *arrays.Array) *arrays.Array {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adjoints[a]
}

// Gradients returns all the adjoints, keyed by their forward arrays.
func (t *Tape) Gradients() map[*arrays.Array]*arrays.Array {
	t.mu.Lock()
	defer t.mu.Unlock()
	grads := make(map[*arrays.Array]*arrays.Array, len(t.adjoints))
	for a, adj := range t.adjoints {
		grads[a] = adj
	}
	return grads
}

// Zero sets every adjoint to zero, keeping the records.
func (t *Tape) Zero() error {
	for _, adj := range t.Gradients() {
		if err := t.rt.Fill(adj, 0); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops the records and the adjoints, releasing the adjoint arrays allocated by the tape.
func (t *Tape) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for adj := range t.owned {
		if err := adj.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.records = nil
	t.adjoints = make(map[*arrays.Array]*arrays.Array)
	t.owned = make(map[*arrays.Array]bool)
	return firstErr
}
