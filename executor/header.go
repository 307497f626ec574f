package executor

import (
	"bytes"
	"crypto/md5"
	"fmt"

	"github.com/chertdb/chert/utils/io"
)

const (
	StoreMagic   = uint32(0x54524843) // "CHRT"
	StoreVersion = uint16(1)

	// HeaderPages is the number of pages reserved at the start of the
	// store file for the header and the column family table.
	HeaderPages = 4

	// fixed part: magic(4) version(2) pad(2) pageSize(4) declaredLen(8)
	// checkpointSeq(8) catalogLen(4)
	headerFixedSize = 32
)

// StoreHeader is the read-mostly root of the on-disk layout. The live copy
// is published through an atomic pointer and replaced wholesale on the rare
// mutations (column family creation, checkpoint), never mutated in place.
type StoreHeader struct {
	PageSize int32
	// DeclaredLen is the layout length the physical file must cover. The
	// physical length being shorter is an unrecoverable internal error.
	DeclaredLen int64
	// CheckpointSeq mirrors the WAL checkpoint boundary.
	CheckpointSeq int64
	// Catalog is the serialized column family window table.
	Catalog []byte
}

// Serialize renders the header into a buffer of exactly regionSize bytes,
// checksummed and zero-padded.
func (h *StoreHeader) Serialize(regionSize int) ([]byte, error) {
	buf := make([]byte, 0, regionSize)
	buf = io.AppendUInt32(buf, StoreMagic)
	buf = io.AppendInt16(buf, int16(StoreVersion))
	buf = io.AppendInt16(buf, 0)
	buf = io.AppendInt32(buf, h.PageSize)
	buf = io.AppendInt64(buf, h.DeclaredLen)
	buf = io.AppendInt64(buf, h.CheckpointSeq)
	buf = io.AppendInt32(buf, int32(len(h.Catalog)))
	buf = append(buf, h.Catalog...)

	hash := md5.New()
	hash.Write(buf)
	buf = hash.Sum(buf)

	if len(buf) > regionSize {
		return nil, HeaderOverflowError(fmt.Sprintf("%d > %d bytes", len(buf), regionSize))
	}
	return append(buf, make([]byte, regionSize-len(buf))...), nil
}

// ParseStoreHeader validates and decodes a header region read from disk.
func ParseStoreHeader(buf []byte) (*StoreHeader, error) {
	if len(buf) < headerFixedSize+md5.Size {
		return nil, HeaderCorruptError("header region too small")
	}
	if io.ToUInt32(buf[0:4]) != StoreMagic {
		return nil, HeaderCorruptError("bad magic")
	}
	if v := uint16(io.ToInt16(buf[4:6])); v != StoreVersion {
		return nil, HeaderCorruptError(fmt.Sprintf("unsupported version %d", v))
	}
	catalogLen := int(io.ToInt32(buf[28:32]))
	if catalogLen < 0 || headerFixedSize+catalogLen+md5.Size > len(buf) {
		return nil, HeaderCorruptError("catalog length out of range")
	}
	content := buf[:headerFixedSize+catalogLen]
	hash := md5.New()
	hash.Write(content)
	if !bytes.Equal(hash.Sum(nil), buf[headerFixedSize+catalogLen:headerFixedSize+catalogLen+md5.Size]) {
		return nil, HeaderCorruptError("checksum mismatch")
	}
	catalogBuf := make([]byte, catalogLen)
	copy(catalogBuf, buf[headerFixedSize:])
	return &StoreHeader{
		PageSize:      io.ToInt32(buf[8:12]),
		DeclaredLen:   io.ToInt64(buf[12:20]),
		CheckpointSeq: io.ToInt64(buf[20:28]),
		Catalog:       catalogBuf,
	}, nil
}
