//go:build debug

// Package check provides debug-build assertions for invariants that must
// hold inside the engine. Release builds compile them away.
package check

import "fmt"

// Invariant panics if cond is false. Only active in debug builds.
func Invariant(cond bool, msg string) {
	if !cond {
		panic("invariant violated: " + msg)
	}
}

// Invariantf panics with a formatted message if cond is false.
func Invariantf(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
