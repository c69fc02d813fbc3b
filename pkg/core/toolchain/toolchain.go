// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package toolchain defines the contract with the native toolchains that turn generated source into
// loadable artifacts, and implements it for a host C++ compiler (producing a shared library) and for
// nvcc (producing a PTX module).
package toolchain

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode of the build.
type Mode string

const (
	Release Mode = "release"
	Debug   Mode = "debug"
)

// ParseMode parses "release" or "debug" (case-insensitive). Empty defaults to Release.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", string(Release):
		return Release, nil
	case string(Debug):
		return Debug, nil
	}
	return "", errors.Errorf("invalid build mode %q, valid values are %q or %q", s, Release, Debug)
}

// Request to build one source file into one artifact.
type Request struct {
	// Name of the module, for error messages.
	Name string

	SourcePath string
	OutputPath string
	Mode       Mode
}

// Toolchain builds generated source into a loadable artifact.
type Toolchain interface {
	// Name of the toolchain, for logging.
	Name() string

	// SourceExt is the extension (with leading ".") of the source files it builds.
	SourceExt() string

	// ArtifactExt is the extension (with leading ".") of the artifacts it produces.
	ArtifactExt() string

	// Build the source file into the output path. The output must only exist when the build succeeds.
	Build(ctx context.Context, req Request) error
}

// run executes the command and returns an error that includes its combined output if it fails.
func run(ctx context.Context, name, binPath string, args ...string) error {
	cmd := exec.CommandContext(ctx, binPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	start := time.Now()
	klog.V(2).Infof("%s: running %s", name, cmd)
	if err := cmd.Run(); err != nil {
		klog.Errorf("%s failed:\n%s", name, output.String())
		return errors.Wrapf(err, "failed executing %q:\n%s", cmd, output.String())
	}
	klog.V(1).Infof("%s: built in %s", name, time.Since(start))
	return nil
}

// buildTo runs build writing to a temporary file next to req.OutputPath, and renames it to the final path
// on success, so a partially written artifact is never left behind.
func buildTo(req Request, build func(tmpOutput string) error) error {
	dir := filepath.Dir(req.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "can't create directory %q for module %q", dir, req.Name)
	}
	tmpOutput := req.OutputPath + ".tmp"
	_ = os.Remove(tmpOutput)
	if err := build(tmpOutput); err != nil {
		_ = os.Remove(tmpOutput)
		return err
	}
	if err := os.Rename(tmpOutput, req.OutputPath); err != nil {
		return errors.Wrapf(err, "can't move built artifact to %q for module %q", req.OutputPath, req.Name)
	}
	return nil
}
