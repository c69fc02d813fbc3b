// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"github.com/gomlx/gokernels/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph is an instantiated CUDA graph, the backends.GraphHandle of this backend.
type Graph struct {
	graph, exec uintptr
}

// CaptureBegin implements backends.Capturer: it starts a global-mode stream capture.
func (b *Backend) CaptureBegin() error {
	return b.do(func() error {
		if b.capturing {
			return errors.Errorf("%s: capture already active", b)
		}
		if err := check("cuStreamBeginCapture", b.drv.cuStreamBeginCapture(b.stream, streamCaptureGlobal)); err != nil {
			return errors.WithMessagef(err, "%s", b)
		}
		b.capturing = true
		b.corrupted = nil
		return nil
	})
}

// CaptureEnd implements backends.Capturer.
func (b *Backend) CaptureEnd() (backends.GraphHandle, error) {
	g := &Graph{}
	err := b.do(func() error {
		if !b.capturing {
			return errors.Errorf("%s: no capture active", b)
		}
		b.capturing = false
		endErr := check("cuStreamEndCapture", b.drv.cuStreamEndCapture(b.stream, &g.graph))
		if b.corrupted != nil || endErr != nil {
			if g.graph != 0 {
				_ = b.drv.cuGraphDestroy(g.graph)
			}
			cause := b.corrupted
			if cause == nil {
				cause = endErr
			}
			b.corrupted = nil
			return errors.WithMessagef(cause, "%s: capture was invalidated", b)
		}
		if err := check("cuGraphInstantiate", b.drv.cuGraphInstantiateWithFlags(&g.exec, g.graph, 0)); err != nil {
			_ = b.drv.cuGraphDestroy(g.graph)
			return errors.WithMessagef(err, "%s", b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("%s: captured graph 0x%x", b, g.exec)
	return g, nil
}

// GraphLaunch implements backends.Capturer.
func (b *Backend) GraphLaunch(graph backends.GraphHandle) error {
	g, ok := graph.(*Graph)
	if !ok || g == nil {
		return errors.Errorf("%s: invalid graph handle of type %T", b, graph)
	}
	return b.do(func() error {
		if g.exec == 0 {
			return errors.Errorf("%s: graph was already released", b)
		}
		return errors.WithMessagef(check("cuGraphLaunch", b.drv.cuGraphLaunch(g.exec, b.stream)), "%s", b)
	})
}

// GraphDestroy implements backends.Capturer.
func (b *Backend) GraphDestroy(graph backends.GraphHandle) error {
	g, ok := graph.(*Graph)
	if !ok || g == nil {
		return errors.Errorf("%s: invalid graph handle of type %T", b, graph)
	}
	return b.do(func() error {
		if g.exec == 0 {
			return errors.Errorf("%s: graph was already released", b)
		}
		err := check("cuGraphExecDestroy", b.drv.cuGraphExecDestroy(g.exec))
		_ = b.drv.cuGraphDestroy(g.graph)
		g.exec, g.graph = 0, 0
		return errors.WithMessagef(err, "%s", b)
	})
}
