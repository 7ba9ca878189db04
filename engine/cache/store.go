// Package cache implements the content-addressed result store. Entries are
// write-once, read-many: identical (input, profile, version) triples map to
// one immutable entry under the data root, surviving process restarts.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

const (
	cacheDirName  = "cache"
	tmpDirName    = "tmp"
	outputName    = "output"
	metaName      = "meta.json"
	lockFileName  = "fmtd.lock"
	indexCapacity = 1 << 20
)

// meta is the sidecar record persisted next to each entry's output bytes.
type meta struct {
	Key       core.Key      `json:"key"`
	Stderr    string        `json:"stderr,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store is the persistent result cache. A ristretto front cache absorbs hot
// reads; a recency index drives size- and age-bounded eviction of the disk
// tree. All methods are safe for concurrent use.
type Store struct {
	cfg  config.CacheConfig
	root string
	lock *flock.Flock

	hot *ristretto.Cache[string, *core.ExecutionResult]

	mu         sync.Mutex
	index      *lru.Cache[core.Key, int64]
	totalBytes int64
	pins       map[core.Key]int
}

// New opens (or initializes) the store under dataRoot. The data root is
// guarded with a file lock so two processes never share one cache tree.
func New(ctx context.Context, cfg config.CacheConfig, dataRoot string) (*Store, error) {
	cacheRoot := filepath.Join(dataRoot, cacheDirName)
	for _, dir := range []string{cacheRoot, filepath.Join(dataRoot, tmpDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.CacheIO(fmt.Errorf("failed to create %s: %w", dir, err), nil)
		}
	}
	lock := flock.New(filepath.Join(dataRoot, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, core.CacheIO(fmt.Errorf("failed to lock data root: %w", err), nil)
	}
	if !locked {
		return nil, core.CacheIO(
			fmt.Errorf("data root %s is owned by another process", dataRoot),
			map[string]any{"data_root": dataRoot},
		)
	}
	hot, err := ristretto.NewCache(&ristretto.Config[string, *core.ExecutionResult]{
		NumCounters: cfg.HotEntries * 10,
		MaxCost:     cfg.HotBytes,
		BufferItems: 64,
	})
	if err != nil {
		releaseLock(ctx, lock)
		return nil, core.CacheIO(fmt.Errorf("failed to build hot cache: %w", err), nil)
	}
	index, err := lru.New[core.Key, int64](indexCapacity)
	if err != nil {
		releaseLock(ctx, lock)
		return nil, core.CacheIO(fmt.Errorf("failed to build recency index: %w", err), nil)
	}
	s := &Store{
		cfg:   cfg,
		root:  cacheRoot,
		lock:  lock,
		hot:   hot,
		index: index,
		pins:  make(map[core.Key]int),
	}
	if err := s.rebuildIndex(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func releaseLock(ctx context.Context, lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		logger.FromContext(ctx).Warn("failed to release data root lock", "error", err)
	}
}

// Close releases the hot cache and the data-root lock.
func (s *Store) Close(ctx context.Context) {
	s.hot.Close()
	releaseLock(ctx, s.lock)
}

func (s *Store) entryDir(key core.Key) string {
	return filepath.Join(s.root, key.Shard(), key.String())
}

// rebuildIndex walks the persisted tree after a restart, seeding the recency
// index oldest-first so eviction order survives the process boundary.
// Leftover temp directories from a crashed writer are discarded here.
func (s *Store) rebuildIndex(ctx context.Context) error {
	log := logger.FromContext(ctx)
	if err := os.RemoveAll(filepath.Join(filepath.Dir(s.root), tmpDirName)); err != nil {
		log.Warn("failed to clear temp dir", "error", err)
	}
	if err := os.MkdirAll(filepath.Join(filepath.Dir(s.root), tmpDirName), 0o755); err != nil {
		return core.CacheIO(fmt.Errorf("failed to recreate temp dir: %w", err), nil)
	}
	type found struct {
		key  core.Key
		size int64
		at   time.Time
	}
	var entries []found
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return core.CacheIO(fmt.Errorf("failed to scan cache root: %w", err), nil)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		keys, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			log.Warn("failed to scan cache shard", "shard", shard.Name(), "error", err)
			continue
		}
		for _, entry := range keys {
			key := core.Key(entry.Name())
			m, err := s.readMeta(key)
			if err != nil {
				// A directory without readable meta is a write that never
				// completed its rename; drop it.
				log.Warn("discarding unreadable cache entry", "key", entry.Name(), "error", err)
				_ = os.RemoveAll(s.entryDir(key))
				continue
			}
			entries = append(entries, found{key: key, size: m.Size, at: m.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	s.mu.Lock()
	for _, e := range entries {
		s.index.Add(e.key, e.size)
		s.totalBytes += e.size
	}
	s.mu.Unlock()
	log.Info("cache index rebuilt", "entries", len(entries), "bytes", s.totalBytes)
	return nil
}

func (s *Store) readMeta(key core.Key) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(key), metaName))
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Get returns the cached result for key, or a miss. Read faults are logged
// and reported as misses; a cache failure never fails the caller's request.
func (s *Store) Get(ctx context.Context, key core.Key) (*core.ExecutionResult, bool) {
	if result, ok := s.hot.Get(key.String()); ok {
		s.touch(key)
		return result, true
	}
	m, err := s.readMeta(key)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.FromContext(ctx).Error("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	output, err := os.ReadFile(filepath.Join(s.entryDir(key), outputName))
	if err != nil {
		logger.FromContext(ctx).Error("cache read failed", "key", key, "error", err)
		return nil, false
	}
	result := &core.ExecutionResult{
		Output:   output,
		Stderr:   m.Stderr,
		ExitCode: m.ExitCode,
		Duration: m.Duration,
		Key:      key,
	}
	s.hot.Set(key.String(), result, result.Size())
	s.touch(key)
	return result, true
}

func (s *Store) touch(key core.Key) {
	s.mu.Lock()
	if size, ok := s.index.Peek(key); ok {
		s.index.Add(key, size) // moves to most-recent
	}
	s.mu.Unlock()
}

// Put persists a successful result under its content address using a
// write-then-rename discipline: a crash mid-write leaves either the previous
// entry or nothing, never a truncated one. Concurrent puts of the same key
// converge to one stored entry.
func (s *Store) Put(ctx context.Context, key core.Key, result *core.ExecutionResult) error {
	final := s.entryDir(key)
	if _, err := os.Stat(filepath.Join(final, metaName)); err == nil {
		return nil // idempotent
	}
	staging := filepath.Join(filepath.Dir(s.root), tmpDirName, uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return core.CacheIO(fmt.Errorf("failed to create staging dir: %w", err), nil)
	}
	defer os.RemoveAll(staging)

	if err := os.WriteFile(filepath.Join(staging, outputName), result.Output, 0o644); err != nil {
		return core.CacheIO(fmt.Errorf("failed to stage output: %w", err), nil)
	}
	m := meta{
		Key:       key,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		Duration:  result.Duration,
		Size:      result.Size(),
		CreatedAt: time.Now().UTC(),
	}
	metaBytes, err := json.Marshal(&m)
	if err != nil {
		return core.CacheIO(fmt.Errorf("failed to encode meta: %w", err), nil)
	}
	if err := os.WriteFile(filepath.Join(staging, metaName), metaBytes, 0o644); err != nil {
		return core.CacheIO(fmt.Errorf("failed to stage meta: %w", err), nil)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return core.CacheIO(fmt.Errorf("failed to create shard dir: %w", err), nil)
	}
	if err := os.Rename(staging, final); err != nil {
		// A concurrent writer won the rename; results for identical keys are
		// equivalent, so converging on theirs is correct.
		if _, statErr := os.Stat(filepath.Join(final, metaName)); statErr == nil {
			return nil
		}
		return core.CacheIO(fmt.Errorf("failed to commit cache entry: %w", err), nil)
	}

	s.hot.Set(key.String(), result, result.Size())
	s.mu.Lock()
	if _, known := s.index.Peek(key); !known {
		s.index.Add(key, m.Size)
		s.totalBytes += m.Size
	}
	s.mu.Unlock()

	if err := s.Evict(ctx); err != nil {
		logger.FromContext(ctx).Error("cache eviction failed", "error", err)
	}
	return nil
}

// Pin marks a key as owned by an in-flight job, shielding it from eviction.
func (s *Store) Pin(key core.Key) {
	s.mu.Lock()
	s.pins[key]++
	s.mu.Unlock()
}

// Unpin releases a pin taken with Pin.
func (s *Store) Unpin(key core.Key) {
	s.mu.Lock()
	if s.pins[key] <= 1 {
		delete(s.pins, key)
	} else {
		s.pins[key]--
	}
	s.mu.Unlock()
}

// Evict removes least-recently-used entries until the tree fits the size
// bound, and expires entries past the age bound. Pinned keys are skipped.
func (s *Store) Evict(ctx context.Context) error {
	log := logger.FromContext(ctx)
	var victims []core.Key

	s.mu.Lock()
	if s.cfg.MaxEntryAge > 0 {
		cutoff := time.Now().Add(-s.cfg.MaxEntryAge)
		for _, key := range s.index.Keys() {
			if _, pinned := s.pins[key]; pinned {
				continue
			}
			if m, err := s.readMeta(key); err == nil && m.CreatedAt.Before(cutoff) {
				victims = append(victims, key)
			}
		}
	}
	skipped := 0
	for s.totalBytes > s.cfg.MaxBytes && skipped < s.index.Len() {
		key, size, ok := s.index.GetOldest()
		if !ok {
			break
		}
		if _, pinned := s.pins[key]; pinned {
			// Rotate the pinned key to the young end and keep looking.
			s.index.Add(key, size)
			skipped++
			continue
		}
		s.index.Remove(key)
		s.totalBytes -= size
		victims = append(victims, key)
	}
	s.mu.Unlock()

	for _, key := range victims {
		s.hot.Del(key.String())
		if err := os.RemoveAll(s.entryDir(key)); err != nil {
			log.Error("failed to remove evicted entry", "key", key, "error", err)
			continue
		}
		s.mu.Lock()
		if size, ok := s.index.Peek(key); ok {
			s.index.Remove(key)
			s.totalBytes -= size
		}
		s.mu.Unlock()
		log.Debug("evicted cache entry", "key", key)
	}
	return nil
}

// Stats reports the indexed entry count and accounted bytes.
func (s *Store) Stats() (entries int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len(), s.totalBytes
}
