package executor

import (
	"fmt"

	"github.com/chertdb/chert/utils/io"
)

// pageWrite is one element of a commit's change-set: the bytes of a logical
// page placed into a freshly allocated slot, or a page removal (data == nil,
// slot < 0).
type pageWrite struct {
	logical int64
	slot    int64
	data    []byte
}

// serializeChangeSet renders a commit's page writes into a WAL entry
// payload. Replaying the payload against the page table state of the last
// checkpoint reproduces the commit exactly, so the encoding carries the slot
// assignment alongside the bytes.
func serializeChangeSet(writes []pageWrite) []byte {
	size := 4
	for _, w := range writes {
		size += 8 + 8 + 4 + len(w.data)
	}
	buf := make([]byte, 0, size)
	buf = io.AppendInt32(buf, int32(len(writes)))
	for _, w := range writes {
		buf = io.AppendInt64(buf, w.logical)
		buf = io.AppendInt64(buf, w.slot)
		if w.data == nil {
			buf = io.AppendInt32(buf, -1)
			continue
		}
		buf = io.AppendInt32(buf, int32(len(w.data)))
		buf = append(buf, w.data...)
	}
	return buf
}

func parseChangeSet(buf []byte) ([]pageWrite, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("change-set too short: %d bytes", len(buf))
	}
	count := int(io.ToInt32(buf[0:4]))
	cursor := 4
	writes := make([]pageWrite, 0, count)
	for i := 0; i < count; i++ {
		if cursor+20 > len(buf) {
			return nil, fmt.Errorf("change-set truncated at element %d", i)
		}
		w := pageWrite{
			logical: io.ToInt64(buf[cursor : cursor+8]),
			slot:    io.ToInt64(buf[cursor+8 : cursor+16]),
		}
		dataLen := int(io.ToInt32(buf[cursor+16 : cursor+20]))
		cursor += 20
		if dataLen >= 0 {
			if cursor+dataLen > len(buf) {
				return nil, fmt.Errorf("change-set truncated at element %d data", i)
			}
			w.data = buf[cursor : cursor+dataLen]
			cursor += dataLen
		}
		writes = append(writes, w)
	}
	return writes, nil
}
