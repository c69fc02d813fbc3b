// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for dir, want := range map[string]string{
		"":                         "",
		"/tmp/cache":               "/tmp/cache",
		"~":                        usr.HomeDir,
		"~/.cache/gokernels":       filepath.Join(usr.HomeDir, ".cache/gokernels"),
		"~" + usr.Username + "/xx": filepath.Join(usr.HomeDir, "xx"),
	} {
		got, err := ReplaceTildeInDir(dir)
		require.NoError(t, err, "dir=%q", dir)
		assert.Equal(t, want, got, "dir=%q", dir)
	}
	_, err = ReplaceTildeInDir("~no-such-user-for-sure/x")
	require.Error(t, err)
}

func TestFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, EnsureDir(dir))
	exists, err = FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)
}
