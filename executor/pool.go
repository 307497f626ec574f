package executor

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// FileHandlePool manages a fixed set of OS-level handles on one physical
// file so that concurrent positioned I/O does not serialize on a single
// descriptor. Ordinary reads and writes are lock-free: callers check a handle
// out, issue one operation and return it. Only file growth takes a lock,
// which closes the race where multiple writers growing the file through
// different handles could leave it shorter than the declared layout length.
type FileHandlePool struct {
	path    string
	handles chan Substrate
	all     []Substrate

	// growMu is a channel-based mutex so Grow never interleaves; normal
	// I/O does not touch it.
	growMu chan struct{}
	length atomic.Int64
}

func NewFileHandlePool(path string, size int, open OpenFunc) (*FileHandlePool, error) {
	if size < 1 {
		size = 1
	}
	p := &FileHandlePool{
		path:    path,
		handles: make(chan Substrate, size),
		growMu:  make(chan struct{}, 1),
	}
	for i := 0; i < size; i++ {
		h, err := open(path)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open pooled handle %d on %s: %w", i, path, err)
		}
		p.all = append(p.all, h)
		p.handles <- h
	}
	return p, nil
}

// Acquire checks a handle out for one I/O operation. It blocks while all
// handles are in flight.
func (p *FileHandlePool) Acquire() Substrate {
	return <-p.handles
}

func (p *FileHandlePool) Release(h Substrate) {
	p.handles <- h
}

// Length returns the physical file length as last established by Grow or
// SetLength.
func (p *FileHandlePool) Length() int64 {
	return p.length.Load()
}

// SetLength records an externally observed physical length (used once at
// open time, before any Grow).
func (p *FileHandlePool) SetLength(n int64) {
	p.length.Store(n)
}

// Grow extends the physical file to at least newLen. Growth is serialized by
// a dedicated lock; it never shrinks the file, so after any Grow returns the
// physical length is >= the largest length any caller requested.
func (p *FileHandlePool) Grow(newLen int64) error {
	p.growMu <- struct{}{}
	defer func() { <-p.growMu }()

	if newLen <= p.length.Load() {
		return nil
	}
	h := p.Acquire()
	defer p.Release(h)
	if err := h.Truncate(newLen); err != nil {
		return fmt.Errorf("grow %s to %d bytes: %w", p.path, newLen, err)
	}
	p.length.Store(newLen)
	return nil
}

// Sync flushes the file contents through one pooled handle. All handles
// reference the same open file description target, so a single fsync covers
// writes issued through any of them.
func (p *FileHandlePool) Sync() error {
	h := p.Acquire()
	defer p.Release(h)
	if err := h.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", p.path, err)
	}
	return nil
}

func (p *FileHandlePool) Close() error {
	var errs *multierror.Error
	for _, h := range p.all {
		if err := h.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	p.all = nil
	return errs.ErrorOrNil()
}
