// Package testutil holds the test flags shared by the flashkv packages.
package testutil

import (
	"flag"
	"testing"
)

var (
	RunLong = flag.Bool("long", false, "run long torture and model tests")
	Seed    = flag.Int64("torture-seed", 1, "first device seed for torture tests")
)

// RequireLong skips t unless -long was given.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}
