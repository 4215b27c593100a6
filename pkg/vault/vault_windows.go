//go:build windows

package vault

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// CheckDiskSpace returns usage of the volume holding the vault, or of its
// nearest existing parent before the first save.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	pathPtr, err := windows.UTF16PtrFromString(existingDir(v.path))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, &total, &free); err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}

	info := &DiskSpaceInfo{
		Total:     total,
		Free:      free,
		Available: available,
	}
	if total > 0 {
		info.UsedPct = int(100 * (total - free) / total)
	}
	return info, nil
}
