//go:build !linux

package executor

// ru_maxrss is reported in bytes on the BSDs and macOS.
const rssUnit = 1

// applyLimits is a no-op where prlimit is unavailable; the timeout and the
// script's own memory budget still apply.
func applyLimits(pid int, cfg Config) error { return nil }
