package storagenode

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// hash cache lifetimes
const (
	hashTTL         = 10 * time.Minute
	hashCleanupTick = 15 * time.Minute
)

// FileInfo describes one stored file
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// StorageManager owns a node's storage directory. Files are flat: the directory holds
// basenames only.
type StorageManager struct {
	root   string
	hashes *cache.Cache // name|size|mtime -> md5
}

// NewStorageManager creates the root directory if it doesn't exist
func NewStorageManager(root string) (*StorageManager, error) {
	// 0755 - rwxr-xr-x
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: create storage root %s: %v", common.ErrIO, root, err)
	}
	return &StorageManager{
		root:   root,
		hashes: cache.New(hashTTL, hashCleanupTick),
	}, nil
}

// Root returns the storage directory
func (sm *StorageManager) Root() string {
	return sm.root
}

// Path resolves name inside the storage directory. Directory components are stripped.
func (sm *StorageManager) Path(name string) (string, error) {
	base := common.BaseName(name)
	if base == "" {
		return "", fmt.Errorf("%w: filename %q", common.ErrInvalidArgument, name)
	}
	return filepath.Join(sm.root, base), nil
}

// Exists reports whether a complete file called name is stored
func (sm *StorageManager) Exists(name string) bool {
	p, err := sm.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Describe returns the descriptor of a stored file, using the hash cache when the file is unchanged
func (sm *StorageManager) Describe(name string) (protocol.Descriptor, error) {
	p, err := sm.Path(name)
	if err != nil {
		return protocol.Descriptor{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return protocol.Descriptor{}, fmt.Errorf("%w: %s", common.ErrNotFound, filepath.Base(p))
	}
	if err != nil {
		return protocol.Descriptor{}, fmt.Errorf("%w: stat: %v", common.ErrIO, err)
	}

	key := fmt.Sprintf("%s|%d|%d", info.Name(), info.Size(), info.ModTime().UnixNano())
	if h, ok := sm.hashes.Get(key); ok {
		return protocol.Descriptor{Name: info.Name(), Size: info.Size(), Hash: h.(string)}, nil
	}

	hash, size, err := protocol.HashFile(p)
	if err != nil {
		return protocol.Descriptor{}, fmt.Errorf("%w: hash %s: %v", common.ErrIO, info.Name(), err)
	}
	if size == info.Size() {
		sm.hashes.SetDefault(key, hash)
	}
	return protocol.Descriptor{Name: info.Name(), Size: size, Hash: hash}, nil
}

// List returns every complete file, sorted by name. In-flight .part files are skipped.
func (sm *StorageManager) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(sm.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrIO, sm.root, err)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed meanwhile
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Purge removes every stored file and recreates the empty directory
func (sm *StorageManager) Purge() error {
	if err := os.RemoveAll(sm.root); err != nil {
		return fmt.Errorf("%w: remove %s: %v", common.ErrIO, sm.root, err)
	}
	sm.hashes.Flush()
	return os.MkdirAll(sm.root, 0755)
}
