//go:build linux

package conf

import "golang.org/x/sys/unix"

func totalMemMB() int {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil || si.Totalram == 0 {
		return 0
	}
	return int(uint64(si.Totalram) * uint64(si.Unit) / (1024 * 1024))
}
