//go:build linux || darwin

package storagenode

import "syscall"

// GetStats returns capacity and used bytes of the filesystem holding the storage directory
func (sm *StorageManager) GetStats() (int64, int64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(sm.root, &stat); err != nil {
		return 0, 0
	}
	capacity := uint64(stat.Blocks) * uint64(stat.Bsize)
	free := uint64(stat.Bfree) * uint64(stat.Bsize)
	return int64(capacity), int64(capacity - free)
}
