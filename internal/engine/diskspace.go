package engine

import "syscall"

// freeBytes reports the bytes available to an unprivileged writer on the
// filesystem backing dir, via statfs. Used as a pre-flight check before
// writing a markdown export so a near-full disk fails fast with a clear
// message instead of a partial write.
func freeBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
