// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/gokernels/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Recording is an immutable list of captured commands (launches, copies and memsets) that can be
// replayed any number of times. It is the backends.GraphHandle of this backend.
type Recording struct {
	id       string
	device   string
	commands []func() error

	// corrupted is set by operations not permitted during capture.
	corrupted error
	released  bool
}

// ID of the recording, for logging.
func (r *Recording) ID() string { return r.id }

// Len returns the number of commands recorded.
func (r *Recording) Len() int { return len(r.commands) }

// CaptureBegin implements backends.Capturer.
func (b *Backend) CaptureBegin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Errorf("%s: backend is closed", b)
	}
	if b.capture != nil {
		return errors.Errorf("%s: capture %s already active", b, b.capture.id)
	}
	b.capture = &Recording{id: uuid.NewString(), device: b.device}
	klog.V(2).Infof("%s: capture %s started", b, b.capture.id)
	return nil
}

// CaptureEnd implements backends.Capturer.
func (b *Backend) CaptureEnd() (backends.GraphHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.capture
	if rec == nil {
		return nil, errors.Errorf("%s: no capture active", b)
	}
	b.capture = nil
	if rec.corrupted != nil {
		return nil, errors.WithMessagef(rec.corrupted, "%s: capture %s was invalidated", b, rec.id)
	}
	klog.V(2).Infof("%s: capture %s finished with %d commands", b, rec.id, len(rec.commands))
	return rec, nil
}

// GraphLaunch implements backends.Capturer: it replays the recorded commands in order.
// If a capture is active, the replay itself is recorded.
func (b *Backend) GraphLaunch(graph backends.GraphHandle) error {
	rec, ok := graph.(*Recording)
	if !ok || rec == nil {
		return errors.Errorf("%s: invalid graph handle of type %T", b, graph)
	}
	if rec.released {
		return errors.Errorf("%s: graph %s was already released", b, rec.id)
	}
	if rec.device != b.device {
		return errors.Errorf("%s: graph %s was captured on device %q", b, rec.id, rec.device)
	}
	return b.enqueue(func() error {
		for _, cmd := range rec.commands {
			if err := cmd(); err != nil {
				return errors.WithMessagef(err, "replaying graph %s", rec.id)
			}
		}
		return nil
	})
}

// GraphDestroy implements backends.Capturer.
func (b *Backend) GraphDestroy(graph backends.GraphHandle) error {
	rec, ok := graph.(*Recording)
	if !ok || rec == nil {
		return errors.Errorf("%s: invalid graph handle of type %T", b, graph)
	}
	if rec.released {
		return errors.Errorf("%s: graph %s was already released", b, rec.id)
	}
	rec.released = true
	rec.commands = nil
	return nil
}
