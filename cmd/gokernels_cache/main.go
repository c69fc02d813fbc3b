// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gokernels_cache inspects and cleans the kernel cache, and lists the available devices.
//
// Usage:
//
//	gokernels_cache [-dir <cache dir>] [-remove <stem>] [-clear] [-devices]
//
// Without flags it lists the cached modules.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gokernels/pkg/core/buildcache"
	"github.com/gomlx/gokernels/pkg/runtime"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDir = flag.String("dir", "", fmt.Sprintf("Kernel cache directory. Defaults to $%s or %q.",
		runtime.EnvCacheDir, runtime.DefaultCacheDir))
	flagRemove  = flag.String("remove", "", "Removes the cached hash, sources and artifacts of the given module stem.")
	flagClear   = flag.Bool("clear", false, "Removes every cached module.")
	flagDevices = flag.Bool("devices", false, fmt.Sprintf("Lists the devices configured by $%s and their "+
		"memory pools, and builds all modules defined.", runtime.EnvBackend))
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gokernels_cache -help'.", flag.Args())
		os.Exit(1)
	}

	cfg := must.M1(runtime.ConfigFromEnv())
	if *flagDir != "" {
		cfg.CacheDir = *flagDir
	}
	cache := must.M1(buildcache.New(cfg.CacheDir, true))

	switch {
	case *flagClear:
		n := must.M1(cache.Clear())
		fmt.Printf("Removed %d cached modules from %s\n", n, cache.Dir())
	case *flagRemove != "":
		must.M(cache.Remove(*flagRemove))
		fmt.Printf("Removed %q from %s\n", *flagRemove, cache.Dir())
	case *flagDevices:
		listDevices(cfg)
	default:
		listCache(cache)
	}
}

func listCache(cache *buildcache.Cache) {
	entries := must.M1(cache.List())
	fmt.Println(titleStyle.Render(fmt.Sprintf("Kernel cache %s", cache.Dir())))
	if len(entries) == 0 {
		fmt.Println("No cached modules.")
		return
	}
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right)
	table.Headers("module", "hash", "artifacts", "size", "modified")
	var total int64
	for _, e := range entries {
		hash := "-"
		if len(e.Hash) > 0 {
			hash = hex.EncodeToString(e.Hash)[:12]
		}
		artifacts := "-"
		if len(e.Artifacts) > 0 {
			artifacts = strings.Join(e.Artifacts, ", ")
		}
		table.Row(e.Stem, hash, artifacts, humanize.Bytes(uint64(e.Bytes)), humanize.RelTime(e.ModTime, time.Now(), "ago", "from now"))
		total += e.Bytes
	}
	fmt.Println(table.Render())
	fmt.Printf("%s modules, %s\n", humanize.Comma(int64(len(entries))), humanize.Bytes(uint64(total)))
}

func listDevices(cfg runtime.Config) {
	rt := must.M1(runtime.New(cfg))
	defer func() { must.M(rt.Close()) }()
	must.M(rt.ForceLoad(context.Background(), true))

	fmt.Println(titleStyle.Render("Devices"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left)
	table.Headers("device", "backend", "description")
	for _, device := range rt.Devices() {
		b := rt.Backend(device)
		table.Row(device, b.Name(), b.Description())
	}
	fmt.Println(table.Render())
	if !rt.IsCUDAAvailable() {
		fmt.Printf("Device %q not available: set $%s to configure it.\n", runtime.CUDA, runtime.EnvBackend)
	}

	fmt.Println(titleStyle.Render("Memory pools"))
	table = newPlainTable(true, lipgloss.Left, lipgloss.Right)
	table.Headers("pool", "outstanding", "pooled", "hits", "misses")
	for _, s := range rt.MemoryStats() {
		table.Row(s.Name,
			fmt.Sprintf("%d (%s)", s.Outstanding, humanize.IBytes(uint64(s.OutstandingBytes))),
			fmt.Sprintf("%d (%s)", s.Pooled, humanize.IBytes(uint64(s.PooledBytes))),
			humanize.Comma(int64(s.Hits)), humanize.Comma(int64(s.Misses)))
	}
	fmt.Println(table.Render())
}
