// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buildcache manages the on-disk cache of compiled modules.
//
// For each module "stem" the cache directory holds:
//
//   - <stem>.hash: the raw digest bytes of the module content hash the artifacts were built from.
//   - <stem><artifact-ext>: one compiled artifact per target (e.g. "<stem>.so" and "<stem>.ptx").
//   - gen/<stem><source-ext>: the generated source of each target, kept for inspection.
//
// A cache entry is valid only if the stored digest is byte-equal to the freshly computed module hash.
package buildcache

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/gokernels/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// HashExt is the extension of the persisted hash files.
	HashExt = ".hash"

	// SourcesDir is the subdirectory holding generated sources.
	SourcesDir = "gen"
)

// Cache of compiled modules in a directory.
type Cache struct {
	dir string

	// Enabled controls whether persisted hashes are trusted. If false, MatchesHash always reports a miss,
	// but the hashes and artifacts are still written.
	Enabled bool
}

// New creates a cache rooted in dir. A leading "~" is replaced by the user's home directory.
// The directory is created if it doesn't exist.
func New(dir string, enabled bool) (*Cache, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Join(dir, SourcesDir)); err != nil {
		return nil, errors.WithMessage(err, "kernel cache")
	}
	return &Cache{dir: dir, Enabled: enabled}, nil
}

// Dir returns the root directory of the cache.
func (c *Cache) Dir() string { return c.dir }

// HashPath returns the path of the persisted hash of the module stem.
func (c *Cache) HashPath(stem string) string {
	return filepath.Join(c.dir, stem+HashExt)
}

// ArtifactPath returns the path of the compiled artifact of the module stem with the given extension.
func (c *Cache) ArtifactPath(stem, ext string) string {
	return filepath.Join(c.dir, stem+ext)
}

// SourcePath returns the path of the generated source of the module stem with the given extension.
func (c *Cache) SourcePath(stem, ext string) string {
	return filepath.Join(c.dir, SourcesDir, stem+ext)
}

// ReadHash returns the persisted hash of the module stem, or nil if there is none.
func (c *Cache) ReadHash(stem string) ([]byte, error) {
	contents, err := os.ReadFile(c.HashPath(stem))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read cached hash of module %q", stem)
	}
	return contents, nil
}

// MatchesHash returns whether caching is enabled and the persisted hash of the module stem equals hash.
// Read errors are logged and reported as a miss.
func (c *Cache) MatchesHash(stem string, hash []byte) bool {
	if !c.Enabled {
		return false
	}
	stored, err := c.ReadHash(stem)
	if err != nil {
		klog.Warningf("ignoring kernel cache for %q: %v", stem, err)
		return false
	}
	return stored != nil && bytes.Equal(stored, hash)
}

// HasArtifact returns whether the artifact of the module stem with the given extension exists.
func (c *Cache) HasArtifact(stem, ext string) bool {
	exists, err := fsutil.FileExists(c.ArtifactPath(stem, ext))
	return err == nil && exists
}

// WriteHash persists the hash of the module stem. The file is replaced atomically.
func (c *Cache) WriteHash(stem string, hash []byte) error {
	return writeFileAtomic(c.HashPath(stem), hash)
}

// WriteSource writes the generated source of the module stem and returns its path.
func (c *Cache) WriteSource(stem, ext, source string) (string, error) {
	path := c.SourcePath(stem, ext)
	if err := writeFileAtomic(path, []byte(source)); err != nil {
		return "", err
	}
	return path, nil
}

// InvalidateHash removes the persisted hash of the module stem, so the next load rebuilds it.
func (c *Cache) InvalidateHash(stem string) error {
	err := os.Remove(c.HashPath(stem))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to invalidate cached hash of module %q", stem)
	}
	return nil
}

func writeFileAtomic(path string, contents []byte) error {
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(contents)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// Entry describes one cached module.
type Entry struct {
	Stem      string
	Hash      []byte
	Artifacts []string
	Sources   []string
	Bytes     int64
	ModTime   time.Time
}

// List the cached modules, sorted by stem.
func (c *Cache) List() ([]*Entry, error) {
	entries := make(map[string]*Entry)
	get := func(stem string) *Entry {
		e, found := entries[stem]
		if !found {
			e = &Entry{Stem: stem}
			entries[stem] = e
		}
		return e
	}
	account := func(e *Entry, info os.FileInfo) {
		e.Bytes += info.Size()
		if info.ModTime().After(e.ModTime) {
			e.ModTime = info.ModTime()
		}
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list kernel cache %q", c.dir)
	}
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasSuffix(de.Name(), ".tmp") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %q", de.Name())
		}
		name := de.Name()
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		e := get(stem)
		account(e, info)
		if ext == HashExt {
			e.Hash, err = c.ReadHash(stem)
			if err != nil {
				return nil, err
			}
		} else {
			e.Artifacts = append(e.Artifacts, name)
		}
	}

	sourceEntries, err := os.ReadDir(filepath.Join(c.dir, SourcesDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "failed to list generated sources in %q", c.dir)
	}
	for _, de := range sourceEntries {
		if de.IsDir() || strings.HasSuffix(de.Name(), ".tmp") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %q", de.Name())
		}
		name := de.Name()
		e := get(strings.TrimSuffix(name, filepath.Ext(name)))
		account(e, info)
		e.Sources = append(e.Sources, name)
	}

	result := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Stem < result[j].Stem })
	return result, nil
}

// Remove every file of the module stem from the cache.
func (c *Cache) Remove(stem string) error {
	entries, err := c.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Stem != stem {
			continue
		}
		return c.removeEntry(e)
	}
	return nil
}

func (c *Cache) removeEntry(e *Entry) error {
	paths := []string{c.HashPath(e.Stem)}
	for _, name := range e.Artifacts {
		paths = append(paths, filepath.Join(c.dir, name))
	}
	for _, name := range e.Sources {
		paths = append(paths, filepath.Join(c.dir, SourcesDir, name))
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "failed to remove %q from the kernel cache", path)
		}
	}
	klog.V(1).Infof("removed module %q from the kernel cache", e.Stem)
	return nil
}

// Clear removes every cached module. It returns the number of modules removed.
func (c *Cache) Clear() (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := c.removeEntry(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
