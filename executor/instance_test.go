package executor_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chertdb/chert/executor"
	"github.com/chertdb/chert/utils"
)

func testConfig() *utils.Config {
	cfg := utils.NewDefaultConfig()
	cfg.WindowPages = 64
	cfg.PoolSize = 4
	return cfg
}

func fillPage(size int, b byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func commitPage(t *testing.T, in *executor.Instance, cf string, logical int64, b byte) {
	t.Helper()
	tx, err := in.BeginWrite(cf)
	require.Nil(t, err)
	require.Nil(t, tx.WritePage(logical, fillPage(in.PageSize(), b)))
	require.Nil(t, tx.Commit())
}

func readPage(t *testing.T, in *executor.Instance, cf string, logical int64) []byte {
	t.Helper()
	tx, err := in.BeginRead(cf)
	require.Nil(t, err)
	defer tx.Close()
	buf, err := tx.ReadPage(logical)
	require.Nil(t, err)
	return buf
}

func TestWriteReadRoundtripAndReopen(t *testing.T) {
	rootDir := t.TempDir()
	in, err := executor.NewInstance(rootDir, testConfig())
	require.Nil(t, err)

	_, err = in.ColumnFamilyOrCreate("prices")
	require.Nil(t, err)

	commitPage(t, in, "prices", 3, 'p')
	commitPage(t, in, "prices", 7, 'q')
	assert.Equal(t, fillPage(in.PageSize(), 'p'), readPage(t, in, "prices", 3))
	assert.Equal(t, fillPage(in.PageSize(), 'q'), readPage(t, in, "prices", 7))

	// Unmapped pages read as zeroes.
	assert.Equal(t, make([]byte, in.PageSize()), readPage(t, in, "prices", 50))

	require.Nil(t, in.Close())

	in, err = executor.NewInstance(rootDir, testConfig())
	require.Nil(t, err)
	defer in.Close()
	assert.Equal(t, []string{"prices"}, in.ListColumnFamilies())
	assert.Equal(t, fillPage(in.PageSize(), 'p'), readPage(t, in, "prices", 3))
	assert.Equal(t, fillPage(in.PageSize(), 'q'), readPage(t, in, "prices", 7))

	hdr := in.Header()
	require.NotNil(t, hdr)
	assert.Equal(t, int32(in.PageSize()), hdr.PageSize)
	assert.True(t, hdr.DeclaredLen > 0)
}

func TestCrossFamilyIsolation(t *testing.T) {
	in, err := executor.NewInstance(t.TempDir(), testConfig())
	require.Nil(t, err)
	defer in.Close()

	_, err = in.ColumnFamilyOrCreate("alpha")
	require.Nil(t, err)
	_, err = in.ColumnFamilyOrCreate("beta")
	require.Nil(t, err)

	// Same logical page, different families, one shared physical file.
	commitPage(t, in, "alpha", 5, 'a')
	commitPage(t, in, "beta", 5, 'b')

	assert.Equal(t, fillPage(in.PageSize(), 'a'), readPage(t, in, "alpha", 5))
	assert.Equal(t, fillPage(in.PageSize(), 'b'), readPage(t, in, "beta", 5))
}

func TestSingleWriterPerFamily(t *testing.T) {
	in, err := executor.NewInstance(t.TempDir(), testConfig())
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	tx1, err := in.BeginWrite("cf")
	require.Nil(t, err)

	acquired := make(chan *executor.WriteTxn)
	go func() {
		tx2, err := in.BeginWrite("cf")
		assert.Nil(t, err)
		acquired <- tx2
	}()

	select {
	case <-acquired:
		t.Fatal("second write transaction started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Readers are not blocked by the in-flight writer.
	rtx, err := in.BeginRead("cf")
	require.Nil(t, err)
	rtx.Close()

	require.Nil(t, tx1.WritePage(0, fillPage(in.PageSize(), 'x')))
	require.Nil(t, tx1.Commit())

	tx2 := <-acquired
	tx2.Abort()
}

func TestSnapshotIsolation(t *testing.T) {
	in, err := executor.NewInstance(t.TempDir(), testConfig())
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	commitPage(t, in, "cf", 0, 'a')

	snap, err := in.BeginRead("cf")
	require.Nil(t, err)
	defer snap.Close()

	commitPage(t, in, "cf", 0, 'b')

	// The snapshot keeps observing the version it started from.
	old, err := snap.ReadPage(0)
	require.Nil(t, err)
	assert.Equal(t, fillPage(in.PageSize(), 'a'), old)
	assert.Equal(t, fillPage(in.PageSize(), 'b'), readPage(t, in, "cf", 0))
}

// TestSnapshotStableUnderConcurrentCommits hammers snapshot begin against a
// committing writer: a snapshot taken at any point must keep reading one
// consistent version, which fails if a commit's slot reclamation can slip
// between a reader loading a page table and registering itself.
func TestSnapshotStableUnderConcurrentCommits(t *testing.T) {
	cfg := testConfig()
	cfg.Durability = utils.DurabilityNone
	in, err := executor.NewInstance(t.TempDir(), cfg)
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	commitPage(t, in, "cf", 0, 'a')

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			tx, err := in.BeginWrite("cf")
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Nil(t, tx.WritePage(0, fillPage(in.PageSize(), byte('a'+i%26)))) {
				tx.Abort()
				return
			}
			if !assert.Nil(t, tx.Commit()) {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap, err := in.BeginRead("cf")
				if !assert.Nil(t, err) {
					return
				}
				first, err := snap.ReadPage(0)
				if !assert.Nil(t, err) {
					snap.Close()
					return
				}
				second, err := snap.ReadPage(0)
				if !assert.Nil(t, err) {
					snap.Close()
					return
				}
				snap.Close()
				if !assert.Equal(t, first, second, "snapshot observed two versions") {
					return
				}
				for _, b := range first {
					if b != first[0] {
						t.Errorf("snapshot read a mixed page: %x vs %x", b, first[0])
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestUncommittedWritesInvisible(t *testing.T) {
	in, err := executor.NewInstance(t.TempDir(), testConfig())
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	tx, err := in.BeginWrite("cf")
	require.Nil(t, err)
	require.Nil(t, tx.WritePage(1, fillPage(in.PageSize(), 'w')))

	// The writer sees its own staged page, snapshots do not.
	own, err := tx.ReadPage(1)
	require.Nil(t, err)
	assert.Equal(t, fillPage(in.PageSize(), 'w'), own)
	assert.Equal(t, make([]byte, in.PageSize()), readPage(t, in, "cf", 1))

	tx.Abort()
	assert.Equal(t, make([]byte, in.PageSize()), readPage(t, in, "cf", 1))
}

func TestWindowViolations(t *testing.T) {
	cfg := testConfig()
	in, err := executor.NewInstance(t.TempDir(), cfg)
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	tx, err := in.BeginWrite("cf")
	require.Nil(t, err)
	defer tx.Abort()

	var wv executor.WindowViolationError
	err = tx.WritePage(-1, fillPage(in.PageSize(), 'x'))
	assert.True(t, errors.As(err, &wv))

	// Dirtying more pages than the window has room for fails the commit,
	// not the instance.
	for i := int64(0); i < cfg.WindowPages+16; i++ {
		require.Nil(t, tx.WritePage(i, fillPage(in.PageSize(), 'x')))
	}
	err = tx.Commit()
	assert.True(t, errors.As(err, &wv))

	commitPage(t, in, "cf", 0, 'y')
	assert.Equal(t, fillPage(in.PageSize(), 'y'), readPage(t, in, "cf", 0))
}

func TestPartialPageWriteRejected(t *testing.T) {
	in, err := executor.NewInstance(t.TempDir(), testConfig())
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	tx, err := in.BeginWrite("cf")
	require.Nil(t, err)
	defer tx.Abort()

	var ws executor.WrongSizeError
	err = tx.WritePage(0, []byte("short"))
	assert.True(t, errors.As(err, &ws))
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	rootDir := t.TempDir()
	in, err := executor.NewInstance(rootDir, testConfig())
	require.Nil(t, err)
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	commitPage(t, in, "cf", 0, 'a')
	commitPage(t, in, "cf", 1, 'b')
	require.True(t, in.WAL().Size() > 0)

	require.Nil(t, in.Checkpoint())
	assert.Equal(t, int64(0), in.WAL().Size())

	// Idempotent: a second checkpoint with nothing new is a no-op.
	require.Nil(t, in.Checkpoint())

	require.Nil(t, in.Close())
	in, err = executor.NewInstance(rootDir, testConfig())
	require.Nil(t, err)
	defer in.Close()
	assert.Equal(t, fillPage(in.PageSize(), 'a'), readPage(t, in, "cf", 0))
	assert.Equal(t, fillPage(in.PageSize(), 'b'), readPage(t, in, "cf", 1))
}

// copyStore clones the store and WAL files so a second instance can be opened
// on the exact on-disk state of a running one, standing in for a crash.
func copyStore(t *testing.T, fromDir string) string {
	t.Helper()
	toDir := t.TempDir()
	for _, name := range []string{"store.chert", "chert.wal"} {
		data, err := os.ReadFile(filepath.Join(fromDir, name))
		require.Nil(t, err)
		require.Nil(t, os.WriteFile(filepath.Join(toDir, name), data, 0o600))
	}
	return toDir
}

func TestRecoverAfterCrash(t *testing.T) {
	rootDir := t.TempDir()
	in, err := executor.NewInstance(rootDir, testConfig())
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	commitPage(t, in, "cf", 0, 'a')
	commitPage(t, in, "cf", 1, 'b')
	commitPage(t, in, "cf", 2, 'c')

	// No Close, no checkpoint: the clone sees only what the WAL made durable.
	crashed, err := executor.NewInstance(copyStore(t, rootDir), testConfig())
	require.Nil(t, err)
	defer crashed.Close()

	assert.Equal(t, fillPage(crashed.PageSize(), 'a'), readPage(t, crashed, "cf", 0))
	assert.Equal(t, fillPage(crashed.PageSize(), 'b'), readPage(t, crashed, "cf", 1))
	assert.Equal(t, fillPage(crashed.PageSize(), 'c'), readPage(t, crashed, "cf", 2))
}

func TestRecoverDropsTornTailCommit(t *testing.T) {
	rootDir := t.TempDir()
	in, err := executor.NewInstance(rootDir, testConfig())
	require.Nil(t, err)
	defer in.Close()
	_, err = in.ColumnFamilyOrCreate("cf")
	require.Nil(t, err)

	commitPage(t, in, "cf", 0, 'a')
	commitPage(t, in, "cf", 1, 'b')

	crashDir := copyStore(t, rootDir)
	walPath := filepath.Join(crashDir, "chert.wal")
	fi, err := os.Stat(walPath)
	require.Nil(t, err)
	// Tear the second commit's entry: drop its trailing checksum bytes.
	require.Nil(t, os.Truncate(walPath, fi.Size()-5))

	crashed, err := executor.NewInstance(crashDir, testConfig())
	require.Nil(t, err)
	defer crashed.Close()

	assert.Equal(t, fillPage(crashed.PageSize(), 'a'), readPage(t, crashed, "cf", 0))
	assert.Equal(t, make([]byte, crashed.PageSize()), readPage(t, crashed, "cf", 1))
}
