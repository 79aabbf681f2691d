package localstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cascache/common"
	filesystem "cascache/file_system"

	"github.com/rs/zerolog/log"
)

const blobExt = ".blob"

type diskEntry struct {
	size       int64
	lastAccess time.Time
}

// DiskStore keeps one file per hash directly under a root-restricted
// directory and an in-memory index for size and last-access bookkeeping.
type DiskStore struct {
	fs        *filesystem.FileSystem
	mu        sync.RWMutex
	index     map[common.ContentHash]*diskEntry
	onEvicted EvictionHandler
}

// NewDiskStore creates a DiskStore rooted at root. Call Startup before use.
func NewDiskStore(root string) *DiskStore {
	return &DiskStore{
		fs:    filesystem.NewFileSystem(root),
		index: make(map[common.ContentHash]*diskEntry),
	}
}

// SetEvictionHandler wires the callback invoked after EvictOldest removes
// content. Must be set before Startup.
func (d *DiskStore) SetEvictionHandler(handler EvictionHandler) {
	d.onEvicted = handler
}

func blobName(hash common.ContentHash) string {
	return hash.String() + blobExt
}

// Startup creates the root directory and rebuilds the index from the blob
// files already on disk. Files with unparseable names are skipped with a
// warning rather than failing the whole store.
func (d *DiskStore) Startup(ctx context.Context) error {
	if err := d.fs.MkDir("."); err != nil {
		return err
	}
	files, err := d.fs.ListFiles()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for name, size := range files {
		if !strings.HasSuffix(name, blobExt) {
			continue
		}
		hash, err := common.ParseContentHash(strings.TrimSuffix(name, blobExt))
		if err != nil {
			log.Warn().Msgf("local store: skipping unrecognized file %s: %v", name, err)
			continue
		}
		d.index[hash] = &diskEntry{size: size, lastAccess: now}
	}
	log.Info().Msgf("local store: indexed %d blobs under %s", len(d.index), d.fs.Root())
	return nil
}

func (d *DiskStore) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	log.Info().Msgf("local store: shutting down with %d blobs", len(d.index))
	return nil
}

func (d *DiskStore) Contains(ctx context.Context, hash common.ContentHash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[hash]
	return ok
}

func (d *DiskStore) OpenStream(ctx context.Context, hash common.ContentHash) (io.ReadCloser, int64, error) {
	d.mu.Lock()
	entry, ok := d.index[hash]
	if !ok {
		d.mu.Unlock()
		return nil, 0, ErrContentNotFound
	}
	entry.lastAccess = time.Now()
	size := entry.size
	d.mu.Unlock()

	file, err := d.fs.GetFile(blobName(hash), os.O_RDONLY, 0644)
	if err != nil {
		return nil, 0, err
	}
	return file, size, nil
}

// AcceptPush hashes the scratch file, verifies it matches the announced
// hash, and renames it into the CAS. The scratch file must live on the same
// volume as the store root.
func (d *DiskStore) AcceptPush(ctx context.Context, hash common.ContentHash, sourcePath string) (int64, error) {
	file, err := os.Open(sourcePath)
	if err != nil {
		return 0, err
	}
	digest := sha256.New()
	size, err := io.Copy(digest, file)
	closeErr := file.Close()
	if err != nil {
		return 0, err
	}
	if closeErr != nil {
		return 0, closeErr
	}

	actual := common.ContentHash{Type: common.HashTypeSHA256}
	copy(actual.Digest[:], digest.Sum(nil))
	if actual != hash {
		return 0, fmt.Errorf("pushed file hashes to %s, expected %s", actual.Short(), hash.Short())
	}

	if err := os.Rename(sourcePath, filepath.Join(d.fs.Root(), blobName(hash))); err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.index[hash] = &diskEntry{size: size, lastAccess: time.Now()}
	d.mu.Unlock()
	return size, nil
}

func (d *DiskStore) CanAccept(ctx context.Context, hash common.ContentHash) (bool, common.RejectionReason) {
	if d.Contains(ctx, hash) {
		return false, common.RejectionContentAvailable
	}
	return true, common.RejectionNone
}

func (d *DiskStore) GetContentInfo(ctx context.Context) ([]common.ContentInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	infos := make([]common.ContentInfo, 0, len(d.index))
	for hash, entry := range d.index {
		infos = append(infos, common.ContentInfo{
			Hash:           hash,
			Size:           entry.size,
			LastAccessTime: entry.lastAccess,
		})
	}
	return infos, nil
}

func (d *DiskStore) Delete(ctx context.Context, hash common.ContentHash) error {
	d.mu.Lock()
	_, ok := d.index[hash]
	if !ok {
		d.mu.Unlock()
		return ErrContentNotFound
	}
	delete(d.index, hash)
	d.mu.Unlock()
	return d.fs.RemoveFile(blobName(hash))
}

// EvictOldest removes the count least-recently-accessed blobs and reports
// them through the eviction handler along with the effective age of the
// youngest victim.
func (d *DiskStore) EvictOldest(ctx context.Context, count int) ([]common.ContentHash, error) {
	d.mu.Lock()
	type victim struct {
		hash       common.ContentHash
		lastAccess time.Time
	}
	candidates := make([]victim, 0, len(d.index))
	for hash, entry := range d.index {
		candidates = append(candidates, victim{hash: hash, lastAccess: entry.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	victims := candidates[:count]
	for _, v := range victims {
		delete(d.index, v.hash)
	}
	d.mu.Unlock()

	if len(victims) == 0 {
		return nil, nil
	}

	evicted := make([]common.ContentHash, 0, len(victims))
	minEffectiveAge := time.Since(victims[len(victims)-1].lastAccess)
	for _, v := range victims {
		if err := d.fs.RemoveFile(blobName(v.hash)); err != nil {
			log.Err(err).Msgf("local store: failed to remove evicted blob %s", v.hash.Short())
		}
		evicted = append(evicted, v.hash)
	}

	if d.onEvicted != nil {
		d.onEvicted(ctx, evicted, minEffectiveAge)
	}
	return evicted, nil
}
