// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves the paths given by users in settings and flags (settings includes,
// calibration files, profile output directories).
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if the file system failed.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ResolvePath expands environment variables ($VAR or ${VAR}) and a leading "~" or "~user" in path,
// and cleans the result. An empty path is returned unchanged.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	path = os.ExpandEnv(path)
	if path[0] != '~' {
		return filepath.Clean(path), nil
	}
	var userName string
	rest := path[1:]
	if rest != "" && !strings.HasPrefix(rest, "/") {
		userName, rest, _ = strings.Cut(rest, "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// EnsureDir resolves dir with ResolvePath and creates it (and its parents) if needed.
// It returns the resolved directory.
func EnsureDir(dir string) (string, error) {
	resolved, err := ResolvePath(dir)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		resolved = "."
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", resolved)
	}
	return resolved, nil
}
