// Package wal defines the on-disk format of the chert write-ahead log and the
// low-level primitives to append and scan it.
//
// A log file is a fixed-size header followed by a sequence of checksummed
// entries. The header carries a "latest sequence" field that is updated lazily
// (on checkpoint, not per append); it is a hint only and must never be trusted
// to determine the log extent. The true durable boundary is found by scanning
// entries to physical end-of-file and stopping at the first entry whose
// length prefix or checksum does not verify. A torn trailing entry is the
// expected signature of a crash mid-append, not an error.
package wal

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	goio "io"
	"os"

	"github.com/klauspost/compress/snappy"

	"github.com/chertdb/chert/utils/io"
)

const (
	Magic   = uint32(0x4c415743) // "CWAL"
	Version = uint16(1)

	// HeaderSize is the fixed byte length of the log header.
	// magic(4) version(2) pad(2) latestSeq(8) checkpointSeq(8) reserved(8)
	HeaderSize = 32

	// entry prefix: payloadLen(4) seq(8) cfID(4) flags(1)
	entryPrefixSize = 17
	checksumSize    = md5.Size

	flagCompressed = uint8(1 << 0)

	// maxPayloadSize bounds length prefixes during a scan so a corrupt
	// prefix cannot trigger a huge allocation.
	maxPayloadSize = 1 << 30
)

// Header is the fixed-size log file header.
type Header struct {
	// LatestSeq is a lazily maintained hint of the highest appended
	// sequence. NOT authoritative; see package comment.
	LatestSeq int64
	// CheckpointSeq is the highest sequence folded into the main store.
	// Recovery replays entries strictly after it.
	CheckpointSeq int64
}

func (h *Header) Serialize() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = io.AppendUInt32(buf, Magic)
	buf = io.AppendInt16(buf, int16(Version))
	buf = io.AppendInt16(buf, 0)
	buf = io.AppendInt64(buf, h.LatestSeq)
	buf = io.AppendInt64(buf, h.CheckpointSeq)
	buf = io.AppendInt64(buf, 0)
	return buf
}

func ReadHeader(fp *os.File) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := fp.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read wal header: %w", err)
	}
	if io.ToUInt32(buf[0:4]) != Magic {
		return nil, InvalidHeaderError("bad magic")
	}
	if v := uint16(io.ToInt16(buf[4:6])); v != Version {
		return nil, InvalidHeaderError(fmt.Sprintf("unsupported version %d", v))
	}
	return &Header{
		LatestSeq:     io.ToInt64(buf[8:16]),
		CheckpointSeq: io.ToInt64(buf[16:24]),
	}, nil
}

func WriteHeader(fp *os.File, h *Header) error {
	if _, err := fp.WriteAt(h.Serialize(), 0); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	return nil
}

// Entry is one durable commit record.
type Entry struct {
	// Seq is the global, monotonically increasing sequence across all
	// column families sharing this log.
	Seq int64
	// CFID identifies the column family the change-set belongs to.
	CFID int32
	// Payload is the serialized change-set of the commit.
	Payload []byte
}

// AppendEntry serializes e onto buf. When compress is set and the snappy
// encoding is smaller, the payload is stored compressed and flagged as such.
// The checksum covers the prefix and the (possibly compressed) payload.
func AppendEntry(buf []byte, e Entry, compress bool) []byte {
	payload := e.Payload
	var flags uint8
	if compress {
		if enc := snappy.Encode(nil, e.Payload); len(enc) < len(e.Payload) {
			payload = enc
			flags |= flagCompressed
		}
	}

	start := len(buf)
	buf = io.AppendInt32(buf, int32(len(payload)))
	buf = io.AppendInt64(buf, e.Seq)
	buf = io.AppendInt32(buf, e.CFID)
	buf = append(buf, flags)
	buf = append(buf, payload...)

	hash := md5.New()
	hash.Write(buf[start:])
	return hash.Sum(buf)
}

// ScanFrom sequentially reads entries starting at physical offset off,
// invoking fn for each verified entry, and returns the offset one past the
// last verified entry. A torn or checksum-invalid entry ends the scan without
// error. An error from fn stops the scan and is returned together with the
// offset of the entry that produced it. An I/O failure reading the file is
// returned as-is and is fatal for the caller.
func ScanFrom(fp *os.File, off int64, fn func(Entry) error) (endOff int64, err error) {
	fi, err := fp.Stat()
	if err != nil {
		return off, fmt.Errorf("stat wal: %w", err)
	}
	fileSize := fi.Size()

	prefix := make([]byte, entryPrefixSize)
	for {
		if off+entryPrefixSize+checksumSize > fileSize {
			return off, nil // torn or empty tail
		}
		if _, err := fp.ReadAt(prefix, off); err != nil {
			return off, fmt.Errorf("read wal entry prefix at %d: %w", off, err)
		}
		payloadLen := int64(io.ToInt32(prefix[0:4]))
		if payloadLen < 0 || payloadLen > maxPayloadSize {
			return off, nil // corrupt length prefix bounds the durable set
		}
		if off+entryPrefixSize+payloadLen+checksumSize > fileSize {
			return off, nil // torn trailing entry
		}

		body := make([]byte, payloadLen+checksumSize)
		if _, err := fp.ReadAt(body, off+entryPrefixSize); err != nil {
			if errors.Is(err, goio.EOF) {
				return off, nil
			}
			return off, fmt.Errorf("read wal entry body at %d: %w", off, err)
		}
		payload := body[:payloadLen]

		hash := md5.New()
		hash.Write(prefix)
		hash.Write(payload)
		if !bytes.Equal(hash.Sum(nil), body[payloadLen:]) {
			return off, nil // checksum mismatch bounds the durable set
		}

		if prefix[16]&flagCompressed != 0 {
			decoded, err := snappy.Decode(nil, payload)
			if err != nil {
				return off, nil // undecodable payload treated like a torn entry
			}
			payload = decoded
		}

		entry := Entry{
			Seq:     io.ToInt64(prefix[4:12]),
			CFID:    io.ToInt32(prefix[12:16]),
			Payload: payload,
		}
		if err := fn(entry); err != nil {
			return off, err
		}
		off += entryPrefixSize + payloadLen + checksumSize
	}
}

// errPastBoundary stops a boundary scan at the first entry beyond it.
var errPastBoundary = errors.New("past checkpoint boundary")

// BoundaryOffset scans from off and returns the physical offset one past the
// last verified entry with sequence <= seq, i.e. where the unconsumed tail of
// a partially checkpointed log begins.
func BoundaryOffset(fp *os.File, off, seq int64) (int64, error) {
	end, err := ScanFrom(fp, off, func(e Entry) error {
		if e.Seq > seq {
			return errPastBoundary
		}
		return nil
	})
	if errors.Is(err, errPastBoundary) {
		return end, nil
	}
	return end, err
}
