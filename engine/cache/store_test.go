package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxBytes:   1 << 20,
		HotEntries: 128,
		HotBytes:   1 << 20,
	}
}

func newTestStore(t *testing.T, cfg config.CacheConfig, root string) *Store {
	t.Helper()
	s, err := New(t.Context(), cfg, root)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(t.Context()) })
	return s
}

func testResult(key core.Key, output string) *core.ExecutionResult {
	return &core.ExecutionResult{
		Output:   []byte(output),
		Duration: 10 * time.Millisecond,
		Key:      key,
	}
}

func TestStore(t *testing.T) {
	t.Run("Should round-trip a result through put and get", func(t *testing.T) {
		s := newTestStore(t, testCacheConfig(), t.TempDir())
		key := core.ComputeKey([]byte("const x=1"), "js-prettier", "3.3.3")

		require.NoError(t, s.Put(t.Context(), key, testResult(key, "const x = 1;\n")))

		got, ok := s.Get(t.Context(), key)
		require.True(t, ok)
		assert.Equal(t, "const x = 1;\n", string(got.Output))
	})

	t.Run("Should miss for an unknown key", func(t *testing.T) {
		s := newTestStore(t, testCacheConfig(), t.TempDir())
		_, ok := s.Get(t.Context(), core.ComputeKey([]byte("nope"), "p", "v"))
		assert.False(t, ok)
	})

	t.Run("Should treat duplicate puts as idempotent", func(t *testing.T) {
		s := newTestStore(t, testCacheConfig(), t.TempDir())
		key := core.ComputeKey([]byte("x"), "p", "v")

		require.NoError(t, s.Put(t.Context(), key, testResult(key, "x\n")))
		require.NoError(t, s.Put(t.Context(), key, testResult(key, "x\n")))

		entries, _ := s.Stats()
		assert.Equal(t, 1, entries)
	})

	t.Run("Should survive a restart", func(t *testing.T) {
		root := t.TempDir()
		key := core.ComputeKey([]byte("persist me"), "p", "v")

		first, err := New(t.Context(), testCacheConfig(), root)
		require.NoError(t, err)
		require.NoError(t, first.Put(t.Context(), key, testResult(key, "formatted\n")))
		first.Close(t.Context())

		second := newTestStore(t, testCacheConfig(), root)
		got, ok := second.Get(t.Context(), key)
		require.True(t, ok)
		assert.Equal(t, "formatted\n", string(got.Output))
	})

	t.Run("Should refuse a data root owned by another process", func(t *testing.T) {
		root := t.TempDir()
		_ = newTestStore(t, testCacheConfig(), root)

		_, err := New(t.Context(), testCacheConfig(), root)
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeCacheIO))
	})

	t.Run("Should discard a torn entry left by a crashed writer", func(t *testing.T) {
		root := t.TempDir()
		key := core.ComputeKey([]byte("torn"), "p", "v")

		// Simulate a crash between directory creation and meta write.
		torn := filepath.Join(root, "cache", key.Shard(), key.String())
		require.NoError(t, os.MkdirAll(torn, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(torn, "output"), []byte("partial"), 0o644))

		s := newTestStore(t, testCacheConfig(), root)
		_, ok := s.Get(t.Context(), key)
		assert.False(t, ok)
		entries, _ := s.Stats()
		assert.Zero(t, entries)
	})

	t.Run("Should evict oldest entries past the size bound", func(t *testing.T) {
		cfg := testCacheConfig()
		cfg.MaxBytes = 64
		s := newTestStore(t, cfg, t.TempDir())

		oldKey := core.ComputeKey([]byte("old"), "p", "v")
		require.NoError(t, s.Put(t.Context(), oldKey, testResult(oldKey, string(make([]byte, 48)))))
		newKey := core.ComputeKey([]byte("new"), "p", "v")
		require.NoError(t, s.Put(t.Context(), newKey, testResult(newKey, string(make([]byte, 48)))))

		_, bytes := s.Stats()
		assert.LessOrEqual(t, bytes, int64(64))
		_, ok := s.Get(t.Context(), oldKey)
		assert.False(t, ok, "oldest entry should have been evicted")
	})

	t.Run("Should never evict a pinned entry", func(t *testing.T) {
		cfg := testCacheConfig()
		cfg.MaxBytes = 64
		s := newTestStore(t, cfg, t.TempDir())

		pinned := core.ComputeKey([]byte("pinned"), "p", "v")
		s.Pin(pinned)
		defer s.Unpin(pinned)
		require.NoError(t, s.Put(t.Context(), pinned, testResult(pinned, string(make([]byte, 48)))))

		other := core.ComputeKey([]byte("other"), "p", "v")
		require.NoError(t, s.Put(t.Context(), other, testResult(other, string(make([]byte, 48)))))

		_, ok := s.Get(t.Context(), pinned)
		assert.True(t, ok, "pinned entry must survive eviction pressure")
	})

	t.Run("Should expire entries past the age bound", func(t *testing.T) {
		cfg := testCacheConfig()
		cfg.MaxEntryAge = time.Nanosecond
		s := newTestStore(t, cfg, t.TempDir())

		key := core.ComputeKey([]byte("stale"), "p", "v")
		require.NoError(t, s.Put(t.Context(), key, testResult(key, "stale\n")))

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, s.Evict(t.Context()))

		_, ok := s.Get(t.Context(), key)
		assert.False(t, ok)
	})
}
