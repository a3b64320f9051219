//go:build !debug

package check

// Invariant is a no-op in release builds.
func Invariant(_ bool, _ string) {}

// Invariantf is a no-op in release builds.
func Invariantf(_ bool, _ string, _ ...any) {}
