package fs

import (
	"sync"
	"sync/atomic"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/jrnl"
	"github.com/keosfs/ffs/layout"
	"github.com/keosfs/ffs/util"
)

// inodeRef is the single shared in-memory state for one inode. refs counts
// live TrackedInode handles and is guarded by Ffs.mu.
type inodeRef struct {
	mu      sync.RWMutex
	ind     *layout.Inode
	refs    int
	removed atomic.Bool
}

// TrackedInode is a handle on an in-memory inode. All handles for the same
// inode number share one inodeRef, so updates through any handle are seen
// by all of them. Each handle must be released with Put exactly once;
// releasing the last handle of an inode with no remaining links
// deallocates it on disk.
type TrackedInode struct {
	ffs  *Ffs
	ref  *inodeRef
	done bool
}

// GetInode returns a handle on inode ino, loading it from disk if it is
// not already tracked.
func (ffs *Ffs) GetInode(ino common.Inum) (*TrackedInode, error) {
	if !ffs.Super.InRange(ino) {
		return nil, common.ErrNoSuchEntry
	}
	ffs.mu.Lock()
	if ref, ok := ffs.inodes[ino]; ok {
		ref.refs++
		ffs.mu.Unlock()
		return &TrackedInode{ffs: ffs, ref: ref}, nil
	}
	ffs.mu.Unlock()

	ind, err := ffs.readInode(ino)
	if err != nil {
		return nil, err
	}

	ffs.mu.Lock()
	defer ffs.mu.Unlock()
	if ref, ok := ffs.inodes[ino]; ok {
		// lost a race with another loader; use its copy
		ref.refs++
		return &TrackedInode{ffs: ffs, ref: ref}, nil
	}
	ref := &inodeRef{ind: ind, refs: 1}
	ffs.inodes[ino] = ref
	return &TrackedInode{ffs: ffs, ref: ref}, nil
}

// readInode loads the on-disk record for ino, checking that it is
// allocated and self-consistent.
func (ffs *Ffs) readInode(ino common.Inum) (*layout.Inode, error) {
	blba, bit := ffs.Super.InodeBitmapAddr(ino)
	bb, err := ffs.loadBlock(blba)
	if err != nil {
		return nil, err
	}
	g := bb.Read()
	allocated := layout.Bitmap(g.Bytes()).IsAllocated(bit)
	g.Release()
	if !allocated {
		return nil, common.ErrNoSuchEntry
	}

	slotLba, slot := ffs.Super.InodeSlotAddr(ino)
	bb, err = ffs.loadBlock(slotLba)
	if err != nil {
		return nil, err
	}
	g = bb.Read()
	ind, err := layout.DecodeInode(
		g.Bytes()[slot*common.InodeSize : (slot+1)*common.InodeSize])
	g.Release()
	if err != nil {
		return nil, err
	}
	if ind.Ino != ino {
		return nil, common.Corrupt("inode record does not match its slot")
	}
	return ind, nil
}

// AllocInode allocates a fresh inode of the given file type in tx and
// returns a handle on it. The new inode has no links; the caller is
// expected to add a directory entry for it before committing.
func (ffs *Ffs) AllocInode(tx *jrnl.Tx, ftype uint32) (*TrackedInode, error) {
	ino, err := ffs.allocInum(tx)
	if err != nil {
		return nil, err
	}
	ind := &layout.Inode{Ino: ino, Ftype: ftype}

	slotLba, slot := ffs.Super.InodeSlotAddr(ino)
	bb, err := ffs.loadBlock(slotLba)
	if err != nil {
		return nil, err
	}
	g := bb.Write(tx)
	copy(g.Bytes()[slot*common.InodeSize:(slot+1)*common.InodeSize], ind.Encode())
	g.Submit()

	ffs.mu.Lock()
	defer ffs.mu.Unlock()
	if _, ok := ffs.inodes[ino]; ok {
		return nil, common.Corrupt("freshly allocated inode already tracked")
	}
	ref := &inodeRef{ind: ind, refs: 1}
	ffs.inodes[ino] = ref
	util.DPrintf(2, "ffs: allocated inode %d type %d", ino, ftype)
	return &TrackedInode{ffs: ffs, ref: ref}, nil
}

// Ino is the handle's inode number.
func (ti *TrackedInode) Ino() common.Inum {
	return ti.ref.ind.Ino
}

// Size is the file size in bytes.
func (ti *TrackedInode) Size() uint64 {
	ti.ref.mu.RLock()
	defer ti.ref.mu.RUnlock()
	return ti.ref.ind.Size
}

// LinkCount is the number of directory links to the inode.
func (ti *TrackedInode) LinkCount() uint64 {
	ti.ref.mu.RLock()
	defer ti.ref.mu.RUnlock()
	return ti.ref.ind.LinkCount
}

// IsDir reports whether the inode is a directory.
func (ti *TrackedInode) IsDir() bool {
	return ti.ref.ind.Ftype == layout.FtDirectory
}

// View calls f with shared access to the in-memory inode. f must not
// mutate it or retain the pointer.
func (ti *TrackedInode) View(f func(ind *layout.Inode)) {
	ti.ref.mu.RLock()
	defer ti.ref.mu.RUnlock()
	f(ti.ref.ind)
}

// blockAt resolves the file-relative block fba to a disk address, or
// NullLba past the end of the file.
func (ti *TrackedInode) blockAt(fba common.Fba) (common.Lba, error) {
	ti.ref.mu.RLock()
	defer ti.ref.mu.RUnlock()
	return ti.ffs.blockOf(ti.ref.ind, fba)
}

// InodeGuard is exclusive access to an inode's in-memory and on-disk
// state, tied to a transaction. Submit writes the updated record into the
// inode array through the transaction; Forget abandons the update.
type InodeGuard struct {
	Ind *layout.Inode

	ffs   *Ffs
	tx    *jrnl.Tx
	slot  *WriteGuard
	index uint64
	done  bool
}

// WriteWith calls f with exclusive access to the inode under tx. f must
// finish the guard with exactly one Submit or Forget.
func (ti *TrackedInode) WriteWith(tx *jrnl.Tx, f func(g *InodeGuard) error) error {
	ti.ref.mu.Lock()
	defer ti.ref.mu.Unlock()

	slotLba, slot := ti.ffs.Super.InodeSlotAddr(ti.ref.ind.Ino)
	bb, err := ti.ffs.loadBlock(slotLba)
	if err != nil {
		return err
	}
	g := &InodeGuard{
		Ind:   ti.ref.ind,
		ffs:   ti.ffs,
		tx:    tx,
		slot:  bb.Write(tx),
		index: slot,
	}
	err = f(g)
	if !g.done {
		panic("inode guard neither submitted nor forgotten")
	}
	return err
}

// Submit encodes the inode into its array slot and stages the slot's block
// in the transaction.
func (g *InodeGuard) Submit() {
	if g.done {
		panic("inode guard finished twice")
	}
	g.done = true
	copy(g.slot.Bytes()[g.index*common.InodeSize:(g.index+1)*common.InodeSize],
		g.Ind.Encode())
	g.slot.Submit()
}

// Forget abandons the update. In-memory mutations of the inode must be
// rolled back by the caller.
func (g *InodeGuard) Forget() {
	if g.done {
		panic("inode guard finished twice")
	}
	g.done = true
	g.slot.Forget()
}

// Put releases the handle. When the last handle of an inode with zero
// links is released, the inode and its blocks are deallocated in a
// transaction of their own.
func (ti *TrackedInode) Put() {
	if ti.done {
		panic("inode handle released twice")
	}
	ti.done = true
	ffs := ti.ffs
	ffs.mu.Lock()
	ti.ref.refs--
	last := ti.ref.refs == 0
	if last {
		delete(ffs.inodes, ti.ref.ind.Ino)
	}
	ffs.mu.Unlock()
	if last && ti.ref.ind.LinkCount == 0 {
		ffs.deallocInode(ti.ref.ind)
	}
}

// deallocInode frees an unlinked inode: its data and indirect blocks, its
// array slot, and its bitmap bit. Runs as its own transaction; failures
// leak the inode but are otherwise harmless, so they are only logged.
func (ffs *Ffs) deallocInode(ind *layout.Inode) {
	tx := ffs.jrnl.Begin("inode-dealloc")
	err := func() error {
		if err := ffs.zeroify(tx, ind); err != nil {
			return err
		}
		slotLba, slot := ffs.Super.InodeSlotAddr(ind.Ino)
		bb, err := ffs.loadBlock(slotLba)
		if err != nil {
			return err
		}
		g := bb.Write(tx)
		zero := make([]byte, common.InodeSize)
		copy(g.Bytes()[slot*common.InodeSize:(slot+1)*common.InodeSize], zero)
		g.Submit()
		return ffs.freeInum(tx, ind.Ino)
	}()
	if err != nil {
		tx.Abort()
		util.DPrintf(1, "ffs: deallocating inode %d failed: %v", ind.Ino, err)
		return
	}
	if err := tx.Commit(); err != nil {
		util.DPrintf(1, "ffs: deallocating inode %d failed: %v", ind.Ino, err)
		return
	}
	util.DPrintf(2, "ffs: deallocated inode %d", ind.Ino)
}
