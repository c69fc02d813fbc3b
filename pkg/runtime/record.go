// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"slices"
	"sync"

	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/pkg/errors"
)

// LaunchRecord is a forward launch, as recorded by a RecordingScope.
type LaunchRecord struct {
	Kernel  *kernels.Kernel
	Dim     []int
	Inputs  []any
	Outputs []any
	Device  string
}

// Recorder receives the records of a RecordingScope, see BeginRecording.
type Recorder interface {
	Record(rec LaunchRecord)
}

// RecordingScope records forward launches, in the order they are dispatched.
//
// At most one scope per Runtime is open at a time. Launches record into the open scope, or into the scope
// given with the RecordTo option.
type RecordingScope struct {
	rt   *Runtime
	sink Recorder

	mu      sync.Mutex
	records []LaunchRecord
	ended   bool
}

// BeginRecording opens the recording scope of the runtime. Records are kept by the scope (see
// RecordingScope.Records) and also passed to sink, if not nil.
//
// It fails if another scope is open.
func (rt *Runtime) BeginRecording(sink Recorder) (*RecordingScope, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, errors.New("runtime is closed")
	}
	if rt.scope != nil {
		return nil, errors.New("a recording scope is already open, only one can be active at a time")
	}
	rt.scope = &RecordingScope{rt: rt, sink: sink}
	return rt.scope, nil
}

// ActiveScope returns the open recording scope, or nil.
func (rt *Runtime) ActiveScope() *RecordingScope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.scope
}

// End closes the scope: it no longer records. Calling End more than once is a no-op.
func (s *RecordingScope) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.rt.mu.Lock()
	if s.rt.scope == s {
		s.rt.scope = nil
	}
	s.rt.mu.Unlock()
}

// IsOpen returns whether the scope is still recording.
func (s *RecordingScope) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// Records returns the launches recorded so far.
func (s *RecordingScope) Records() []LaunchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

func (s *RecordingScope) record(rec LaunchRecord) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.records = append(s.records, rec)
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.Record(rec)
	}
}
