package wal_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chertdb/chert/executor/wal"
)

func writeLog(t *testing.T, entries []wal.Entry, compress bool) *os.File {
	t.Helper()
	fp, err := os.OpenFile(filepath.Join(t.TempDir(), "test.wal"), os.O_CREATE|os.O_RDWR, 0o600)
	require.Nil(t, err)
	t.Cleanup(func() { fp.Close() })

	var buf []byte
	for _, e := range entries {
		buf = wal.AppendEntry(buf, e, compress)
	}
	_, err = fp.WriteAt(buf, wal.HeaderSize)
	require.Nil(t, err)
	return fp
}

func scanAll(t *testing.T, fp *os.File) ([]wal.Entry, int64) {
	t.Helper()
	var got []wal.Entry
	endOff, err := wal.ScanFrom(fp, wal.HeaderSize, func(e wal.Entry) error {
		got = append(got, e)
		return nil
	})
	require.Nil(t, err)
	return got, endOff
}

func TestScanRoundtrip(t *testing.T) {
	entries := []wal.Entry{
		{Seq: 1, CFID: 1, Payload: []byte("first")},
		{Seq: 2, CFID: 2, Payload: []byte("second")},
		{Seq: 3, CFID: 1, Payload: bytes.Repeat([]byte("abc"), 500)},
	}
	fp := writeLog(t, entries, false)

	got, _ := scanAll(t, fp)
	require.Len(t, got, 3)
	for i, e := range entries {
		assert.Equal(t, e.Seq, got[i].Seq)
		assert.Equal(t, e.CFID, got[i].CFID)
		assert.Equal(t, e.Payload, got[i].Payload)
	}
}

func TestScanDecompressesFlaggedPayloads(t *testing.T) {
	// Highly repetitive payload so the snappy encoding wins and the entry
	// is stored compressed.
	entries := []wal.Entry{{Seq: 1, CFID: 7, Payload: bytes.Repeat([]byte("z"), 4096)}}
	fp := writeLog(t, entries, true)

	fi, err := fp.Stat()
	require.Nil(t, err)
	assert.Less(t, fi.Size(), int64(wal.HeaderSize+4096))

	got, _ := scanAll(t, fp)
	require.Len(t, got, 1)
	assert.Equal(t, entries[0].Payload, got[0].Payload)
}

func TestScanStopsAtTornEntry(t *testing.T) {
	entries := []wal.Entry{
		{Seq: 1, CFID: 1, Payload: []byte("keep")},
		{Seq: 2, CFID: 1, Payload: []byte("torn")},
	}
	fp := writeLog(t, entries, false)

	fi, err := fp.Stat()
	require.Nil(t, err)
	require.Nil(t, fp.Truncate(fi.Size()-3))

	got, endOff := scanAll(t, fp)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Seq)

	// endOff points one past the last verified entry, where appends resume.
	fi, err = fp.Stat()
	require.Nil(t, err)
	assert.Less(t, endOff, fi.Size())
}

func TestScanStopsAtCorruptEntry(t *testing.T) {
	entries := []wal.Entry{
		{Seq: 1, CFID: 1, Payload: []byte("keep")},
		{Seq: 2, CFID: 1, Payload: []byte("flipped")},
		{Seq: 3, CFID: 1, Payload: []byte("unreachable")},
	}
	fp := writeLog(t, entries, false)

	// Flip one payload byte of entry 2; its checksum no longer verifies and
	// it bounds the durable set even though entry 3 is intact behind it.
	var firstLen int64
	_, err := wal.ScanFrom(fp, wal.HeaderSize, func(e wal.Entry) error {
		if e.Seq == 1 {
			firstLen = int64(17 + len(e.Payload) + 16)
		}
		return nil
	})
	require.Nil(t, err)
	_, err = fp.WriteAt([]byte{0xff}, wal.HeaderSize+firstLen+20)
	require.Nil(t, err)

	got, _ := scanAll(t, fp)
	require.Len(t, got, 1)
}

func TestHeaderRoundtrip(t *testing.T) {
	fp, err := os.OpenFile(filepath.Join(t.TempDir(), "test.wal"), os.O_CREATE|os.O_RDWR, 0o600)
	require.Nil(t, err)
	defer fp.Close()

	in := &wal.Header{LatestSeq: 42, CheckpointSeq: 17}
	require.Nil(t, wal.WriteHeader(fp, in))
	out, err := wal.ReadHeader(fp)
	require.Nil(t, err)
	assert.Equal(t, in, out)
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	fp, err := os.OpenFile(filepath.Join(t.TempDir(), "test.wal"), os.O_CREATE|os.O_RDWR, 0o600)
	require.Nil(t, err)
	defer fp.Close()

	_, err = fp.WriteAt(bytes.Repeat([]byte{0xaa}, wal.HeaderSize), 0)
	require.Nil(t, err)
	_, err = wal.ReadHeader(fp)
	assert.NotNil(t, err)
}
