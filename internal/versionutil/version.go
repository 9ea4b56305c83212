// Package versionutil normalizes the build version string.
package versionutil

import "strings"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve returns the version to report for a build stamped with build.
// Unstamped "dev" builds ask describe (normally `git describe`) for a
// better name and mark it with a "-dev" suffix.
func Resolve(build string, describe func() (string, error)) string {
	build = strings.TrimSpace(build)
	if build == "" {
		build = "dev"
	}
	if build == "dev" {
		if describe == nil {
			return build
		}
		desc, err := describe()
		if err != nil {
			return build
		}
		desc = strings.TrimSpace(desc)
		if desc == "" {
			return build
		}
		build = desc + "-dev"
	}
	return EnsureVPrefix(build)
}
