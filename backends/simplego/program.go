// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is the Go implementation of a kernel body, run once per thread.
//
// Forward receives the kernel parameters; Backward receives the kernel parameters followed by their
// adjoints (see Args.Adjoint). Threads run concurrently: writes to shared outputs from different threads
// must use the atomic helpers of ArrayRef.
type Kernel interface {
	Forward(tid int, args *Args)
	Backward(tid int, args *Args)
}

// registeredKernels maps the tokens written in manifests to the kernels registered by the generators.
var registeredKernels sync.Map

// registerKernel registers impl under a new token and returns it. The token previously registered by the
// backend for the same module and kernel is dropped: programs already loaded keep their kernels, but
// manifests referring to the old token no longer load.
func (b *Backend) registerKernel(module, key string, impl Kernel) string {
	token := uuid.NewString()
	registeredKernels.Store(token, impl)
	name := module + "/" + key
	b.muTokens.Lock()
	defer b.muTokens.Unlock()
	if b.tokens == nil {
		b.tokens = make(map[string]string)
	}
	if old, found := b.tokens[name]; found {
		registeredKernels.Delete(old)
	}
	b.tokens[name] = token
	return token
}

// unregisterKernels drops every token registered by the backend.
func (b *Backend) unregisterKernels() {
	b.muTokens.Lock()
	defer b.muTokens.Unlock()
	for _, token := range b.tokens {
		registeredKernels.Delete(token)
	}
	b.tokens = nil
}

// numRegisteredKernels returns the number of tokens registered by all backends.
func numRegisteredKernels() int {
	n := 0
	registeredKernels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

const manifestMagic = "gokernels-simplego 1"

// paramLayout describes how a kernel parameter is packed: 'a' for arrays (size is the element size),
// 'v' for fixed-size vectors (size is the number of float32 components) and 's' for scalars (size in bytes).
type paramLayout struct {
	kind byte
	size int
}

func (l paramLayout) String() string { return fmt.Sprintf("%c%d", l.kind, l.size) }

func parseParamLayout(s string) (paramLayout, error) {
	if len(s) < 2 || strings.IndexByte("avs", s[0]) < 0 {
		return paramLayout{}, errors.Errorf("invalid parameter layout %q", s)
	}
	size, err := strconv.Atoi(s[1:])
	if err != nil || size <= 0 {
		return paramLayout{}, errors.Errorf("invalid parameter layout %q", s)
	}
	return paramLayout{kind: s[0], size: size}, nil
}

func layoutOf(t ktypes.Type) (paramLayout, error) {
	switch tt := t.(type) {
	case *ktypes.ArrayType:
		size := ktypes.ValueSize(tt.Elem)
		if size == 0 {
			return paramLayout{}, errors.Errorf("arrays of %s are not supported", tt.Elem)
		}
		return paramLayout{kind: 'a', size: size}, nil
	case *ktypes.VectorType:
		return paramLayout{kind: 'v', size: tt.Length()}, nil
	case ktypes.ScalarType:
		return paramLayout{kind: 's', size: tt.DType.Size()}, nil
	}
	return paramLayout{}, errors.Errorf("parameters of type %s are not supported", t)
}

// generator implements codegen.Generator for Go kernels: it emits a manifest.
type generator struct {
	backend *Backend
}

// Header implements codegen.Generator.
func (generator) Header(target codegen.Target) string {
	return fmt.Sprintf("%s\ntarget %s\n", manifestMagic, target)
}

// Function implements codegen.Generator. Go kernels call helper functions directly, so only the key is recorded.
func (generator) Function(fn codegen.Unit, _ codegen.Target) (string, error) {
	return fmt.Sprintf("function %s\n", fn.Key), nil
}

// Kernel implements codegen.Generator: it registers the kernel body under a new token and emits its
// forward and backward entries.
func (g generator) Kernel(k codegen.Unit, target codegen.Target) (string, error) {
	impl, ok := k.Body.(Kernel)
	if !ok {
		return "", errors.Errorf("kernel %q: body of type %T has no Go implementation (it must implement simplego.Kernel)",
			k.Key, k.Body)
	}
	layouts := make([]string, 0, len(k.Params))
	for _, param := range k.Params {
		layout, err := layoutOf(param.Type)
		if err != nil {
			return "", errors.WithMessagef(err, "kernel %q parameter %q", k.Key, param.Name)
		}
		layouts = append(layouts, layout.String())
	}
	token := g.backend.registerKernel(k.Module, k.Key, impl)
	var sb strings.Builder
	for _, pass := range []codegen.Pass{codegen.Forward, codegen.Backward} {
		_, _ = fmt.Fprintf(&sb, "entry %s %s %s", codegen.EntryPoint(k.Key, target, pass), token, pass)
		for _, layout := range layouts {
			sb.WriteString(" " + layout)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// manifest is the parsed content of a program.
type manifest struct {
	target    string
	functions []string
	entries   []manifestEntry
}

type manifestEntry struct {
	symbol, token string
	pass          codegen.Pass
	layout        []paramLayout
}

func parseManifest(path string) (*manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open program %q", path)
	}
	defer func() { _ = f.Close() }()
	m := &manifest{}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNum == 1 {
			if line != manifestMagic {
				return nil, errors.Errorf("%s: not a %q program", path, BackendName)
			}
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "target":
			if len(fields) != 2 {
				return nil, errors.Errorf("%s:%d: invalid target line", path, lineNum)
			}
			m.target = fields[1]
		case "function":
			if len(fields) != 2 {
				return nil, errors.Errorf("%s:%d: invalid function line", path, lineNum)
			}
			m.functions = append(m.functions, fields[1])
		case "entry":
			if len(fields) < 4 {
				return nil, errors.Errorf("%s:%d: invalid entry line", path, lineNum)
			}
			e := manifestEntry{symbol: fields[1], token: fields[2]}
			switch fields[3] {
			case codegen.Forward.String():
				e.pass = codegen.Forward
			case codegen.Backward.String():
				e.pass = codegen.Backward
			default:
				return nil, errors.Errorf("%s:%d: invalid pass %q", path, lineNum, fields[3])
			}
			for _, field := range fields[4:] {
				layout, err := parseParamLayout(field)
				if err != nil {
					return nil, errors.WithMessagef(err, "%s:%d", path, lineNum)
				}
				e.layout = append(e.layout, layout)
			}
			m.entries = append(m.entries, e)
		default:
			return nil, errors.Errorf("%s:%d: unknown directive %q", path, lineNum, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read program %q", path)
	}
	if m.target == "" {
		return nil, errors.Errorf("%s: program has no target", path)
	}
	return m, nil
}

// Toolchain "builds" manifests for a device: it validates the manifest and copies it to the output.
type Toolchain struct {
	device string
}

var _ toolchain.Toolchain = (*Toolchain)(nil)

// Name implements toolchain.Toolchain.
func (t *Toolchain) Name() string { return BackendName + "-" + t.device }

// SourceExt implements toolchain.Toolchain.
func (t *Toolchain) SourceExt() string { return ".gs" + t.device }

// ArtifactExt implements toolchain.Toolchain.
func (t *Toolchain) ArtifactExt() string { return artifactExt(t.device) }

func artifactExt(device string) string { return ".gk" + device }

// Build implements toolchain.Toolchain.
func (t *Toolchain) Build(ctx context.Context, req toolchain.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := parseManifest(req.SourcePath)
	if err != nil {
		return errors.WithMessagef(err, "building module %q", req.Name)
	}
	if m.target != t.device {
		return errors.Errorf("building module %q: program targets %q, toolchain builds for %q", req.Name, m.target, t.device)
	}
	contents, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return errors.Wrapf(err, "building module %q", req.Name)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return errors.Wrapf(err, "building module %q", req.Name)
	}
	tmpPath := req.OutputPath + ".tmp"
	if err := os.WriteFile(tmpPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "building module %q", req.Name)
	}
	if err := os.Rename(tmpPath, req.OutputPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "building module %q", req.Name)
	}
	klog.V(2).Infof("%s: built %q (%d kernel entries, mode %s)", t.Name(), req.Name, len(m.entries), req.Mode)
	return nil
}

// Entry is a kernel entry point of a loaded Program.
type Entry struct {
	Symbol string
	Pass   codegen.Pass

	kernel Kernel
	layout []paramLayout
}

// NumParams returns the number of parameters the entry point expects (excluding the launch bounds).
func (e *Entry) NumParams() int { return len(e.layout) }

// Program implements backends.Program.
type Program struct {
	path    string
	target  string
	entries map[string]*Entry
}

var _ backends.Program = (*Program)(nil)

// Symbol implements backends.Program.
func (p *Program) Symbol(name string) (backends.Entry, error) {
	if p.entries == nil {
		return nil, errors.Errorf("program %q was unloaded", p.path)
	}
	e, found := p.entries[name]
	if !found {
		return nil, errors.Errorf("symbol %q not found in program %q", name, p.path)
	}
	return e, nil
}

// Unload implements backends.Program.
func (p *Program) Unload() error {
	p.entries = nil
	return nil
}

// LoadProgram implements backends.Backend.
func (b *Backend) LoadProgram(path string) (backends.Program, error) {
	if err := b.checkNotCapturing("LoadProgram"); err != nil {
		return nil, err
	}
	m, err := parseManifest(path)
	if err != nil {
		return nil, err
	}
	if m.target != b.device {
		return nil, errors.Errorf("program %q targets device %q, backend serves %q", path, m.target, b.device)
	}
	p := &Program{path: path, target: m.target, entries: make(map[string]*Entry, len(m.entries))}
	for _, me := range m.entries {
		impl, found := registeredKernels.Load(me.token)
		if !found {
			return nil, errors.Errorf("program %q refers to kernel %s (%s) not registered in this process",
				path, me.token, me.symbol)
		}
		layout := me.layout
		if me.pass == codegen.Backward {
			layout = append(append([]paramLayout(nil), layout...), layout...)
		}
		p.entries[me.symbol] = &Entry{Symbol: me.symbol, Pass: me.pass, kernel: impl.(Kernel), layout: layout}
	}
	return p, nil
}
