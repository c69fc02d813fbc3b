// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/builtins"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/gomlx/gokernels/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	// EnvBackend configures the device backends, see backends.ParseConfig.
	EnvBackend = backends.ConfigEnvVar

	// EnvCacheDir is the directory of the kernel cache. Defaults to DefaultCacheDir.
	EnvCacheDir = "GOKERNELS_CACHE_DIR"

	// EnvMode is the default build mode of modules: "release" or "debug".
	EnvMode = "GOKERNELS_MODE"

	// EnvCache set to "0" or "false" disables the use of cached kernels: every module is rebuilt once
	// per process.
	EnvCache = "GOKERNELS_CACHE"

	// EnvVerifyDevice set to "1" or "true" checks the device after every accelerator launch.
	EnvVerifyDevice = "GOKERNELS_VERIFY_DEVICE"

	// EnvParallelism limits the number of modules targets built concurrently.
	EnvParallelism = "GOKERNELS_PARALLELISM"

	// EnvPrintLaunches set to "1" or "true" logs every launch.
	EnvPrintLaunches = "GOKERNELS_PRINT_LAUNCHES"
)

// DefaultCacheDir is the kernel cache directory used if none is configured.
const DefaultCacheDir = "~/.cache/gokernels"

// Config of a Runtime.
type Config struct {
	// Backend configuration, see backends.ParseConfig. If empty, backends.DefaultConfig is used.
	// Ignored if Backends is set.
	Backend string

	// Backends to use instead of creating them from the Backend configuration: at most one per device.
	// The Runtime takes ownership of them.
	Backends []backends.Backend

	// CacheDir is the directory of generated sources, artifacts and hashes. A "~" prefix is expanded.
	CacheDir string

	// CacheDisabled forces modules to be rebuilt instead of using cached artifacts.
	CacheDisabled bool

	// Mode is the default build mode of modules.
	Mode toolchain.Mode

	// VerifyDevice checks the device after every accelerator launch. It can't be used during graph capture.
	VerifyDevice bool

	// BuildParallelism limits the number of targets built concurrently, see kernels.Config.
	BuildParallelism int

	// PrintLaunches logs every launch.
	PrintLaunches bool

	// Builtins registry. Defaults to builtins.Standard().
	Builtins *builtins.Registry

	// Generator of native source. Defaults to the generator of each backend (backends.GeneratorProvider).
	Generator codegen.Generator
}

// ConfigFromEnv returns the default configuration, overridden by the GOKERNELS_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Backend:  os.Getenv(EnvBackend),
		CacheDir: DefaultCacheDir,
		Mode:     toolchain.Release,
	}
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		cfg.CacheDir = dir
	}
	if mode := os.Getenv(EnvMode); mode != "" {
		parsed, err := toolchain.ParseMode(mode)
		if err != nil {
			return cfg, errors.WithMessagef(err, "parsing $%s", EnvMode)
		}
		cfg.Mode = parsed
	}
	var err error
	if cfg.CacheDisabled, err = envBool(EnvCache, true); err != nil {
		return cfg, err
	}
	cfg.CacheDisabled = !cfg.CacheDisabled
	if cfg.VerifyDevice, err = envBool(EnvVerifyDevice, false); err != nil {
		return cfg, err
	}
	if cfg.PrintLaunches, err = envBool(EnvPrintLaunches, false); err != nil {
		return cfg, err
	}
	if value := os.Getenv(EnvParallelism); value != "" {
		cfg.BuildParallelism, err = strconv.Atoi(value)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing $%s=%q", EnvParallelism, value)
		}
	}
	return cfg, nil
}

func envBool(name string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, errors.Wrapf(err, "parsing $%s=%q", name, value)
	}
	return b, nil
}

// cacheDir returns the absolute cache directory.
func (cfg Config) cacheDir() (string, error) {
	dir := cfg.CacheDir
	if dir == "" {
		dir = DefaultCacheDir
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	return filepath.Abs(dir)
}
