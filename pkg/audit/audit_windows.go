//go:build windows

package audit

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// checkDiskSpace refuses to append when the log volume is nearly full.
func (l *Logger) checkDiskSpace() error {
	pathPtr, err := windows.UTF16PtrFromString(l.path)
	if err != nil {
		return fmt.Errorf("audit: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, &total, &free); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
		return nil
	}

	if available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			available, MinAuditDiskSpace)
	}
	return nil
}
