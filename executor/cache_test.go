package executor_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chertdb/chert/executor"
)

type countingFile struct {
	executor.Substrate
	writes *atomic.Int64
}

func (c *countingFile) WriteAt(p []byte, off int64) (int, error) {
	c.writes.Add(1)
	return c.Substrate.WriteAt(p, off)
}

type failingFile struct {
	executor.Substrate
}

func (f *failingFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("device gone")
}

func TestCoalesceMergesContiguousRuns(t *testing.T) {
	writes := []executor.PendingWrite{
		{Offset: 8192, Data: []byte("cccc")},
		{Offset: 0, Data: []byte("aaaa")},
		{Offset: 4, Data: []byte("bbbb")},
	}
	runs := executor.Coalesce(writes)

	require.Len(t, runs, 2)
	assert.Equal(t, int64(0), runs[0].Offset)
	assert.Equal(t, []byte("aaaabbbb"), runs[0].Data)
	assert.Equal(t, int64(8192), runs[1].Offset)
	assert.Equal(t, []byte("cccc"), runs[1].Data)
}

func TestCoalesceGapStartsNewRun(t *testing.T) {
	writes := []executor.PendingWrite{
		{Offset: 0, Data: []byte("aa")},
		{Offset: 3, Data: []byte("bb")}, // 1 byte gap
	}
	runs := executor.Coalesce(writes)
	require.Len(t, runs, 2)
}

func TestFlushWriteCountAndContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	writeCount := &atomic.Int64{}
	pool, err := executor.NewFileHandlePool(path, 4, func(p string) (executor.Substrate, error) {
		h, err := executor.OpenOSFile(p)
		if err != nil {
			return nil, err
		}
		return &countingFile{Substrate: h, writes: writeCount}, nil
	})
	require.Nil(t, err)
	defer pool.Close()
	require.Nil(t, pool.Grow(64*1024))

	cache := executor.NewCachedFile(pool)
	page := func(b byte) []byte {
		buf := make([]byte, 4096)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}

	// Three contiguous pages plus one distant page: exactly two physical
	// writes after coalescing.
	writeCount.Store(0)
	gen := cache.Stage([]executor.PendingWrite{
		{Offset: 4096, Data: page('b')},
		{Offset: 0, Data: page('a')},
		{Offset: 8192, Data: page('c')},
		{Offset: 40960, Data: page('z')},
	})
	require.Nil(t, cache.Flush(gen))
	assert.Equal(t, int64(2), writeCount.Load())

	content, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, page('a'), content[0:4096])
	assert.Equal(t, page('b'), content[4096:8192])
	assert.Equal(t, page('c'), content[8192:12288])
	assert.Equal(t, page('z'), content[40960:45056])
}

func TestFlushFailureFailsWholeGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	pool, err := executor.NewFileHandlePool(path, 2, func(p string) (executor.Substrate, error) {
		h, err := executor.OpenOSFile(p)
		if err != nil {
			return nil, err
		}
		return &failingFile{Substrate: h}, nil
	})
	require.Nil(t, err)
	defer pool.Close()

	cache := executor.NewCachedFile(pool)
	gen1 := cache.Stage([]executor.PendingWrite{{Offset: 0, Data: []byte("aa")}})
	gen2 := cache.Stage([]executor.PendingWrite{{Offset: 100, Data: []byte("bb")}})
	require.Equal(t, gen1, gen2)

	// Both commits staged into the generation must observe the failure.
	assert.NotNil(t, cache.Flush(gen1))
	assert.NotNil(t, cache.Flush(gen2))
}
