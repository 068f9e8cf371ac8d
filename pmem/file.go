//go:build linux || darwin || freebsd

package pmem

import (
	"os"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"golang.org/x/sys/unix"
)

// FileRegion maps a file, typically on a DAX file system, into memory.
// Flush is msync over the page-aligned range.
type FileRegion struct {
	path  string
	f     *os.File
	data  []byte
	words wordView
	page  uint64
}

var _ Region = (*FileRegion)(nil)

// OpenFile maps path, creating it with size bytes when it does not exist. An existing file
// keeps its size, which must be at least size. created reports whether the file is new.
func OpenFile(path string, size uint64) (r *FileRegion, created bool, err error) {
	size = AlignUp(size, CacheLine)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		if err = f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, false, errors.Trace(err)
		}
		created = true
	} else if err != nil {
		return nil, false, errors.Trace(err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, errors.Trace(err)
	}
	if uint64(fi.Size()) < size {
		f.Close()
		return nil, false, errors.Errorf("region file %s has %d bytes, need %d", path, fi.Size(), size)
	}
	mapped := AlignUp(uint64(fi.Size()), CacheLine)
	if mapped != uint64(fi.Size()) {
		mapped -= CacheLine
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(mapped), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, false, errors.Annotatef(err, "mmap %s", path)
	}
	log.Infof("mapped region %s, %d bytes, created %v", path, mapped, created)
	return &FileRegion{
		path:  path,
		f:     f,
		data:  data,
		words: newWordView(data),
		page:  uint64(os.Getpagesize()),
	}, created, nil
}

func (r *FileRegion) Size() uint64 {
	return uint64(len(r.data))
}

func (r *FileRegion) LoadWord(addr uint64) uint64 {
	return r.words.load(addr)
}

func (r *FileRegion) StoreWord(addr uint64, val uint64) {
	r.words.store(addr, val)
}

func (r *FileRegion) Flush(addr, n uint64) {
	if n == 0 {
		return
	}
	start := addr &^ (r.page - 1)
	end := AlignUp(addr+n, r.page)
	if end > uint64(len(r.data)) {
		end = uint64(len(r.data))
	}
	if err := unix.Msync(r.data[start:end], unix.MS_SYNC); err != nil {
		log.Fatalf("msync %s [%d, %d): %v", r.path, start, end, err)
	}
}

// Fence is a no-op: msync has already returned after the write-back.
func (r *FileRegion) Fence() {}

func (r *FileRegion) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data, r.words = nil, nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return errors.Trace(err)
}
