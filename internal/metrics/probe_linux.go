//go:build linux

package metrics

import (
	"os"
	"syscall"
)

// processCPUTime returns total user+system CPU time consumed by this
// process so far, in seconds.
func processCPUTime() (float64, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	user := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	sys := float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	return user + sys, true
}

// diskStat reports the total/free bytes of the filesystem hosting the
// current working directory.
func diskStat() (total, free uint64, ok bool) {
	wd, err := os.Getwd()
	if err != nil {
		return 0, 0, false
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(wd, &stat); err != nil {
		return 0, 0, false
	}
	total = stat.Blocks * uint64(stat.Bsize)
	free = stat.Bavail * uint64(stat.Bsize)
	return total, free, true
}
