package fs

import (
	"sync"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/jrnl"
)

// BoundBlock is the single live in-memory copy of one metadata block. All
// metadata reads and writes go through a guard on the bound block, so
// every accessor sees the same bytes.
type BoundBlock struct {
	ffs  *Ffs
	lba  common.Lba
	mu   sync.Mutex
	data []byte
}

// Lba is the disk address the block is bound to.
func (bb *BoundBlock) Lba() common.Lba {
	return bb.lba
}

// loadBlock returns the bound block for lba, reading it from disk on the
// first access. Bound blocks live in a fixed-size LRU cache, except while
// pinned by an open transaction.
func (ffs *Ffs) loadBlock(lba common.Lba) (*BoundBlock, error) {
	ffs.mu.Lock()
	defer ffs.mu.Unlock()
	if p, ok := ffs.pinned[lba]; ok {
		return p.bb, nil
	}
	return ffs.blocks.GetOrInsert(lba, func() (*BoundBlock, error) {
		b, err := ffs.Super.ReadBlock(lba)
		if err != nil {
			return nil, err
		}
		return &BoundBlock{ffs: ffs, lba: lba, data: b}, nil
	})
}

// pin takes bb out of the LRU cache until the transaction holding it
// finishes. A pinned block's staged mutations cannot be lost to eviction
// and reloaded stale from disk.
func (ffs *Ffs) pin(bb *BoundBlock) {
	ffs.mu.Lock()
	defer ffs.mu.Unlock()
	if p, ok := ffs.pinned[bb.lba]; ok {
		p.refs++
		return
	}
	ffs.blocks.Remove(bb.lba)
	ffs.pinned[bb.lba] = &pinnedBlock{bb: bb, refs: 1}
}

func (ffs *Ffs) unpin(lba common.Lba) {
	ffs.mu.Lock()
	defer ffs.mu.Unlock()
	p := ffs.pinned[lba]
	if p == nil {
		panic("unpin of unpinned block")
	}
	p.refs--
	if p.refs == 0 {
		delete(ffs.pinned, lba)
		ffs.blocks.Put(lba, p.bb)
	}
}

// ReadGuard is shared access to a bound block's bytes. It holds the
// block's lock until Release.
type ReadGuard struct {
	bb   *BoundBlock
	done bool
}

// Read locks the block for reading.
func (bb *BoundBlock) Read() *ReadGuard {
	bb.mu.Lock()
	return &ReadGuard{bb: bb}
}

// Bytes is the block's current content. The slice is only valid until
// Release.
func (g *ReadGuard) Bytes() []byte {
	if g.done {
		panic("use of released read guard")
	}
	return g.bb.data
}

func (g *ReadGuard) Release() {
	if g.done {
		panic("read guard released twice")
	}
	g.done = true
	g.bb.mu.Unlock()
}

// WriteGuard is exclusive mutable access to a bound block's bytes, tied to
// a transaction. The caller must finish the guard with exactly one Submit
// or Forget; a transaction with unfinished guards cannot commit.
type WriteGuard struct {
	bb   *BoundBlock
	tx   *jrnl.Tx
	done bool
}

// Write locks the block for writing under tx. The block stays pinned in
// memory until the transaction finishes.
func (bb *BoundBlock) Write(tx *jrnl.Tx) *WriteGuard {
	bb.mu.Lock()
	tx.TrackGuard()
	bb.ffs.pin(bb)
	tx.OnFinish(func() { bb.ffs.unpin(bb.lba) })
	return &WriteGuard{bb: bb, tx: tx}
}

// Bytes is the block's content, mutable in place. The slice is only valid
// until the guard is finished.
func (g *WriteGuard) Bytes() []byte {
	if g.done {
		panic("use of finished write guard")
	}
	return g.bb.data
}

// Submit stages a snapshot of the block in the transaction and releases
// the lock.
func (g *WriteGuard) Submit() {
	if g.done {
		panic("write guard finished twice")
	}
	g.done = true
	g.tx.WriteMeta(g.bb.lba, g.bb.data)
	g.tx.FinishGuard()
	g.bb.mu.Unlock()
}

// Forget releases the lock without staging anything. The caller must not
// have mutated the block.
func (g *WriteGuard) Forget() {
	if g.done {
		panic("write guard finished twice")
	}
	g.done = true
	g.tx.FinishGuard()
	g.bb.mu.Unlock()
}
