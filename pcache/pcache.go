// Package pcache is a write-back page cache layered over regular files.
//
// Pages are cached in a fixed number of LRU slots shared by every file.
// Writes only dirty a slot; the data reaches the filesystem when the slot
// is evicted, when the file is written back, or when the cache is closed.
// Reads that miss load the page synchronously and then hand a readahead
// request to a background worker, which pulls in the following blocks.
package pcache

import (
	"errors"
	"sync"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/lru"
	"github.com/keosfs/ffs/util"
)

// ErrClosed is returned by operations on a closed page cache.
var ErrClosed = errors.New("page cache is closed")

const (
	// cacheSlots is the number of page slots in the cache.
	cacheSlots = 512
	// readaheadWindow is how many blocks past a read the worker loads.
	readaheadWindow = 16
	// requestQueue bounds the readahead request channel; senders block
	// when the worker falls this far behind.
	requestQueue = 100
)

// FileHandle is what the cache needs from the file layer. *fs.RegularFile
// implements it.
type FileHandle interface {
	Ino() common.Inum
	Size() uint64
	ReadBlock(fba common.Fba, buf []byte) (bool, error)
	WriteBlock(fba common.Fba, buf []byte, minSize uint64) error
}

// Page is a cached 4096-byte page. Pages returned by Mmap are shared with
// the cache: mutations are visible to subsequent reads, but are not marked
// dirty.
type Page struct {
	Data []byte
}

type slotKey struct {
	ino common.Inum
	fba common.Fba
}

// Slot is one cached page and its write-back state.
type Slot struct {
	file    FileHandle
	fba     common.Fba
	page    *Page
	dirty   bool
	minSize uint64
}

func (s *Slot) readInto(buf []byte) {
	copy(buf, s.page.Data)
}

func (s *Slot) write(buf []byte, minSize uint64) {
	copy(s.page.Data, buf)
	s.dirty = true
	if minSize > s.minSize {
		s.minSize = minSize
	}
}

// writeback pushes a dirty page down to the file layer.
func (s *Slot) writeback() error {
	if !s.dirty {
		return nil
	}
	if err := s.file.WriteBlock(s.fba, s.page.Data, s.minSize); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

type raRequest struct {
	file FileHandle
	fba  common.Fba
}

// PageCache caches file pages across all open files.
type PageCache struct {
	mu     sync.Mutex
	closed bool
	slots  *lru.Cache[slotKey, *Slot]
	reqs   chan raRequest
	done   chan struct{}
	wg     sync.WaitGroup
}

// New starts a page cache and its readahead worker.
func New() *PageCache {
	pc := &PageCache{
		reqs: make(chan raRequest, requestQueue),
		done: make(chan struct{}),
	}
	pc.slots = lru.New[slotKey, *Slot](cacheSlots, func(k slotKey, s *Slot) {
		// eviction write-back is best effort; the page is gone either way
		if err := s.writeback(); err != nil {
			util.DPrintf(1, "pcache: writeback of inode %d block %d failed: %v",
				k.ino, k.fba, err)
		}
	})
	pc.wg.Add(1)
	go pc.readaheadWorker()
	return pc
}

// Close stops the readahead worker and writes back every dirty page.
// Operations on a closed cache fail with ErrClosed.
func (pc *PageCache) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.mu.Unlock()
	close(pc.done)
	// the worker drains pending requests and exits at the sentinel
	pc.reqs <- raRequest{}
	pc.wg.Wait()
	pc.mu.Lock()
	defer pc.mu.Unlock()
	var firstErr error
	pc.slots.Range(func(k slotKey, s *Slot) bool {
		if err := s.writeback(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Read reads file block fba through the cache, reporting whether the block
// exists, and queues readahead of the blocks after it.
func (pc *PageCache) Read(file FileHandle, fba common.Fba, buf []byte) (bool, error) {
	if uint64(len(buf)) != common.BlockSize {
		panic("buffer is not block-sized")
	}
	pc.mu.Lock()
	ok, err := pc.doRead(file, fba, buf)
	pc.mu.Unlock()
	if err == nil {
		select {
		case pc.reqs <- raRequest{file: file, fba: fba}:
		case <-pc.done:
		}
	}
	return ok, err
}

func (pc *PageCache) doRead(file FileHandle, fba common.Fba, buf []byte) (bool, error) {
	if pc.closed {
		return false, ErrClosed
	}
	k := slotKey{file.Ino(), fba}
	if s, ok := pc.slots.Get(k); ok {
		s.readInto(buf)
		return true, nil
	}
	ok, err := file.ReadBlock(fba, buf)
	if err != nil || !ok {
		return false, err
	}
	pc.slots.Put(k, &Slot{
		file: file,
		fba:  fba,
		page: &Page{Data: util.CloneByteSlice(buf)},
	})
	return true, nil
}

// Write stores buf as file block fba in the cache, dirty. minSize is the
// least file size that must hold once the page is written back.
func (pc *PageCache) Write(file FileHandle, fba common.Fba, buf []byte, minSize uint64) error {
	if uint64(len(buf)) != common.BlockSize {
		panic("buffer is not block-sized")
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	k := slotKey{file.Ino(), fba}
	if s, ok := pc.slots.Get(k); ok {
		s.write(buf, minSize)
		return nil
	}
	pc.slots.Put(k, &Slot{
		file:    file,
		fba:     fba,
		page:    &Page{Data: util.CloneByteSlice(buf)},
		dirty:   true,
		minSize: minSize,
	})
	return nil
}

// Mmap returns the shared page for file block fba, loading it on a miss.
// Mapping a block past the end of the file fails; the cache never invents
// a page the file does not have.
func (pc *PageCache) Mmap(file FileHandle, fba common.Fba) (*Page, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil, ErrClosed
	}
	k := slotKey{file.Ino(), fba}
	if s, ok := pc.slots.Get(k); ok {
		return s.page, nil
	}
	buf := make([]byte, common.BlockSize)
	ok, err := file.ReadBlock(fba, buf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrNoSuchEntry
	}
	s := &Slot{file: file, fba: fba, page: &Page{Data: buf}}
	pc.slots.Put(k, s)
	return s.page, nil
}

// Writeback pushes every dirty page of inode ino down to the file layer
// without evicting anything.
func (pc *PageCache) Writeback(ino common.Inum) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	var firstErr error
	pc.slots.Range(func(k slotKey, s *Slot) bool {
		if k.ino != ino {
			return true
		}
		if err := s.writeback(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Unlink drops every page of inode ino without writing anything back.
func (pc *PageCache) Unlink(ino common.Inum) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.slots.Retain(func(k slotKey, s *Slot) bool {
		if k.ino == ino {
			s.dirty = false
			return false
		}
		return true
	})
}

func (pc *PageCache) readaheadWorker() {
	defer pc.wg.Done()
	for r := range pc.reqs {
		if r.file == nil {
			// Close's sentinel
			return
		}
		pc.mu.Lock()
		pc.readahead(r.file, r.fba)
		pc.mu.Unlock()
	}
}

// readahead loads the blocks after from into free slots. Blocks already
// cached are left alone, so a dirty page is never clobbered; the scan
// stops at the end of the file.
func (pc *PageCache) readahead(file FileHandle, from common.Fba) {
	buf := make([]byte, common.BlockSize)
	for i := uint64(1); i <= readaheadWindow; i++ {
		fba := from + common.Fba(i)
		k := slotKey{file.Ino(), fba}
		if pc.slots.Contains(k) {
			continue
		}
		ok, err := file.ReadBlock(fba, buf)
		if err != nil || !ok {
			break
		}
		pc.slots.Put(k, &Slot{
			file: file,
			fba:  fba,
			page: &Page{Data: util.CloneByteSlice(buf)},
		})
	}
}

// CachedFile is a regular file accessed through a page cache.
type CachedFile struct {
	pc   *PageCache
	file FileHandle
}

// Open wraps file with the cache.
func (pc *PageCache) Open(file FileHandle) *CachedFile {
	return &CachedFile{pc: pc, file: file}
}

func (cf *CachedFile) Ino() common.Inum {
	return cf.file.Ino()
}

func (cf *CachedFile) Size() uint64 {
	return cf.file.Size()
}

// Read reads file block fba, reporting whether the block exists.
func (cf *CachedFile) Read(fba common.Fba, buf []byte) (bool, error) {
	return cf.pc.Read(cf.file, fba, buf)
}

// Write buffers buf as file block fba; see PageCache.Write.
func (cf *CachedFile) Write(fba common.Fba, buf []byte, minSize uint64) error {
	return cf.pc.Write(cf.file, fba, buf, minSize)
}

// Mmap returns the shared page for file block fba.
func (cf *CachedFile) Mmap(fba common.Fba) (*Page, error) {
	return cf.pc.Mmap(cf.file, fba)
}

// Writeback flushes the file's dirty pages.
func (cf *CachedFile) Writeback() error {
	return cf.pc.Writeback(cf.file.Ino())
}
