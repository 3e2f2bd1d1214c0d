//go:build !linux && !darwin

package storagenode

// GetStats is not implemented on this platform and reports zero capacity
func (sm *StorageManager) GetStats() (int64, int64) {
	return 0, 0
}
