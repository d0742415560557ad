//go:build !linux && !darwin && !windows

package conf

// totalMemMB returns 0 where memory size is unknown; callers fall back to
// fixed defaults.
func totalMemMB() int { return 0 }
