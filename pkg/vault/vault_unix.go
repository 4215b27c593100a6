//go:build !windows

package vault

import (
	"fmt"
	"syscall"
)

// CheckDiskSpace returns usage of the file system holding the vault, or
// of its nearest existing parent before the first save.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(existingDir(v.path), &stat); err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}

	bsize := uint64(stat.Bsize)
	info := &DiskSpaceInfo{
		Total:     stat.Blocks * bsize,
		Free:      stat.Bfree * bsize,
		Available: stat.Bavail * bsize,
	}
	if info.Total > 0 {
		info.UsedPct = int(100 * (info.Total - info.Free) / info.Total)
	}
	return info, nil
}
