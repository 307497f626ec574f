package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/ncw/directio"
)

// Substrate is the capability interface chert requires from its storage
// host: synchronous positioned read, positioned write, atomic length growth
// and sync. Alternate substrates (e.g. a sandboxed per-origin filesystem) can
// be swapped in at construction time through OpenFunc.
type Substrate interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// OpenFunc opens one handle on the physical store file. The pool calls it
// once per pooled handle.
type OpenFunc func(path string) (Substrate, error)

// OpenOSFile is the default substrate: a plain OS file handle.
func OpenOSFile(path string) (Substrate, error) {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return fp, nil
}

// OpenDirectFile opens the store file with O_DIRECT, bypassing the OS page
// cache. Positioned I/O must then be block-aligned; directFile re-buffers
// misaligned requests through aligned scratch blocks.
func OpenDirectFile(path string) (Substrate, error) {
	fp, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &directFile{fp: fp}, nil
}

// ValidateDirectPageSize rejects page sizes O_DIRECT cannot serve.
func ValidateDirectPageSize(pageSize int) error {
	if pageSize%directio.BlockSize != 0 {
		return fmt.Errorf("direct I/O requires page size to be a multiple of %d, got %d",
			directio.BlockSize, pageSize)
	}
	return nil
}

type directFile struct {
	fp *os.File
}

func (d *directFile) aligned(p []byte, off int64) bool {
	if off%int64(directio.BlockSize) != 0 || len(p)%directio.BlockSize != 0 {
		return false
	}
	if len(p) == 0 {
		return true
	}
	return directio.AlignSize == 0 ||
		uintptr(unsafe.Pointer(&p[0]))%uintptr(directio.AlignSize) == 0
}

func (d *directFile) ReadAt(p []byte, off int64) (int, error) {
	if d.aligned(p, off) {
		return d.fp.ReadAt(p, off)
	}
	lower := off - off%int64(directio.BlockSize)
	span := int(off-lower) + len(p)
	span += directio.BlockSize - 1
	span -= span % directio.BlockSize
	block := directio.AlignedBlock(span)
	n, err := d.fp.ReadAt(block, lower)
	if err != nil {
		// The covering aligned span may run past end-of-file even though
		// the requested range is fully inside it.
		if !errors.Is(err, io.EOF) || int64(n) < off-lower+int64(len(p)) {
			return 0, err
		}
	}
	copy(p, block[off-lower:])
	return len(p), nil
}

func (d *directFile) WriteAt(p []byte, off int64) (int, error) {
	if d.aligned(p, off) {
		return d.fp.WriteAt(p, off)
	}
	// Misaligned writes go through a read-modify-write of the covering
	// aligned span. The write path only produces page-aligned runs, so
	// this is exercised by header and meta region updates at most.
	lower := off - off%int64(directio.BlockSize)
	span := int(off-lower) + len(p)
	span += directio.BlockSize - 1
	span -= span % directio.BlockSize
	block := directio.AlignedBlock(span)
	if _, err := d.fp.ReadAt(block, lower); err != nil && !errors.Is(err, io.EOF) {
		// Bytes past end-of-file stay zero in the scratch block.
		return 0, err
	}
	copy(block[off-lower:], p)
	if _, err := d.fp.WriteAt(block, lower); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *directFile) Truncate(size int64) error { return d.fp.Truncate(size) }
func (d *directFile) Sync() error               { return d.fp.Sync() }
func (d *directFile) Close() error              { return d.fp.Close() }
