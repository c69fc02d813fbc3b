// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// captureState of an active capture.
type captureState struct {
	device *device

	// corrupted is the first operation not permitted during the capture.
	corrupted error
}

// Graph is a captured sequence of launches and copies, replayed with CaptureLaunch.
type Graph struct {
	rt       *Runtime
	device   *device
	handle   backends.GraphHandle
	released bool
}

// Device where the graph was captured.
func (g *Graph) Device() string { return g.device.token }

// checkCapture returns a Capture error, and marks the active capture as corrupted, if a capture is active.
func (rt *Runtime) checkCapture(key, op string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.capture == nil {
		return nil
	}
	err := kerrors.Capturef("%s not permitted during graph capture on device %q", op, rt.capture.device.token)
	if key != "" {
		err.Key = key
	}
	if rt.capture.corrupted == nil {
		rt.capture.corrupted = err
	}
	return err
}

// capturing returns whether a capture is active.
func (rt *Runtime) capturing() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.capture != nil
}

// CaptureBegin starts capturing the launches and copies issued to the device into a Graph.
//
// All modules are loaded first, since loading is not permitted during capture. Until CaptureEnd,
// allocations, module loads, uploads, downloads and synchronizations fail with a Capture error and
// invalidate the capture.
func (rt *Runtime) CaptureBegin(ctx context.Context, device string) error {
	if rt.cfg.VerifyDevice {
		return kerrors.Capturef("cannot use device verification during graph capture")
	}
	d, err := rt.deviceFor("", device)
	if err != nil {
		return err
	}
	capturer, ok := d.backend.(backends.Capturer)
	if !ok {
		return kerrors.Capturef("backend %q of device %q doesn't support graph capture", d.backend.Name(), device)
	}
	if rt.capturing() {
		return kerrors.Capturef("a graph capture is already active")
	}
	if err := rt.registry.ForceLoad(ctx, false); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.capture != nil {
		return kerrors.Capturef("a graph capture is already active")
	}
	if err := capturer.CaptureBegin(); err != nil {
		return kerrors.Wrap(kerrors.Capture, "", err, "beginning graph capture on device %q", device)
	}
	rt.capture = &captureState{device: d}
	klog.V(2).Infof("graph capture started on device %q", device)
	return nil
}

// CaptureEnd finishes the active capture and returns the captured Graph.
func (rt *Runtime) CaptureEnd() (*Graph, error) {
	rt.mu.Lock()
	state := rt.capture
	rt.capture = nil
	rt.mu.Unlock()
	if state == nil {
		return nil, kerrors.Capturef("no graph capture active")
	}
	capturer := state.device.backend.(backends.Capturer)
	handle, err := capturer.CaptureEnd()
	if err == nil && state.corrupted != nil {
		_ = capturer.GraphDestroy(handle)
		err = state.corrupted
	}
	if err != nil || handle == nil {
		if err == nil {
			err = errors.New("backend returned no graph")
		}
		return nil, kerrors.Wrap(kerrors.Capture, "", err,
			"error occurred during graph capture on device %q. This could be due to an unintended allocation or "+
				"CPU/GPU synchronization event", state.device.token)
	}
	return &Graph{rt: rt, device: state.device, handle: handle}, nil
}

// CaptureLaunch replays a captured graph. Arguments are not validated again.
func (rt *Runtime) CaptureLaunch(g *Graph) error {
	if g == nil || g.rt != rt {
		return kerrors.Capturef("graph was not captured by this runtime")
	}
	if g.released {
		return kerrors.Capturef("graph was already released")
	}
	capturer := g.device.backend.(backends.Capturer)
	if err := capturer.GraphLaunch(g.handle); err != nil {
		return kerrors.Wrap(kerrors.Capture, "", err, "launching graph on device %q", g.device.token)
	}
	return nil
}

// Release frees the graph. It can't be launched afterwards.
func (g *Graph) Release() error {
	if g.released {
		return kerrors.Capturef("graph was already released")
	}
	g.released = true
	capturer := g.device.backend.(backends.Capturer)
	return capturer.GraphDestroy(g.handle)
}
