//go:build !windows

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// checkDiskSpace refuses to append when the log volume is nearly full.
func (l *Logger) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(l.path, &stat); err != nil {
		if err := syscall.Statfs(filepath.Dir(l.path), &stat); err != nil {
			// Do not block the operation being audited
			fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
			return nil
		}
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			available, MinAuditDiskSpace)
	}
	return nil
}
