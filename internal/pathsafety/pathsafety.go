// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pathsafety validates identifiers that flow from a wire request
// (app id, shuffle id) into a filesystem path component, so a malicious or
// buggy client can't use one to escape a mount's shuffle_data tree.
package pathsafety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxComponentLength is the longest an app id or other path component may
// be before Register rejects it outright.
const maxComponentLength = 255

// ValidateComponent checks that name is safe to use as one path component
// under a mount's shuffle_data tree — no separators, no NUL byte, no ".."
// traversal, and no leading dot that would make the directory hidden.
func ValidateComponent(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(name) > maxComponentLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxComponentLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains a path separator", fieldName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains a null byte", fieldName)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s starts with a dot", fieldName)
	}
	return nil
}

// WithinMount verifies that resolvedPath, once both paths are resolved to
// absolute form, stays inside mount. Defense in depth behind
// ValidateComponent: catches anything a future path-building change lets
// slip past component-level validation.
func WithinMount(mount, resolvedPath string) error {
	absMount, err := filepath.Abs(mount)
	if err != nil {
		return fmt.Errorf("resolving mount: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absMount, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes mount: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes mount %q", resolvedPath, mount)
	}
	return nil
}
