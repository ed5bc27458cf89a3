// Package fs is the filesystem core: mounting and formatting, block and
// inode allocation, tracked in-memory inodes, and the file and directory
// objects built on them.
//
// All metadata updates run inside a journal transaction; see package jrnl.
// File data blocks are written directly and are not journaled.
package fs

import (
	"sync"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/disk"
	"github.com/keosfs/ffs/jrnl"
	"github.com/keosfs/ffs/layout"
	"github.com/keosfs/ffs/lru"
	"github.com/keosfs/ffs/super"
	"github.com/keosfs/ffs/util"
)

// metaCacheSlots is the capacity of the bound-block cache.
const metaCacheSlots = 512

// Options configures a mount.
type Options struct {
	// DisableJournal mounts without write-ahead journaling even if the
	// disk was formatted with a journal region. Metadata updates are then
	// applied in place, with no crash atomicity.
	DisableJournal bool
	// DebugJournal turns on per-transaction debug logging.
	DebugJournal bool
}

// Ffs is a mounted filesystem.
type Ffs struct {
	Super *super.FsSuper
	jrnl  *jrnl.Journal

	mu     sync.Mutex
	blocks *lru.Cache[common.Lba, *BoundBlock]
	pinned map[common.Lba]*pinnedBlock
	inodes map[common.Inum]*inodeRef
}

// pinnedBlock is a bound block held out of the LRU cache by one or more
// write guards of the open transaction.
type pinnedBlock struct {
	bb   *BoundBlock
	refs int
}

// Mount reads the superblock of d, recovers the journal if an interrupted
// commit is pending, and returns the mounted filesystem.
func Mount(d disk.Disk, opts Options) (*Ffs, error) {
	fsuper, _, err := super.Load(d)
	if err != nil {
		return nil, err
	}
	j, err := jrnl.New(fsuper, !opts.DisableJournal, opts.DebugJournal)
	if err != nil {
		return nil, err
	}
	if err := j.Recover(); err != nil {
		return nil, err
	}
	// recovery may have replayed a superblock update; reload it
	_, sb, err := super.Load(d)
	if err != nil {
		return nil, err
	}
	ffs := &Ffs{
		Super:  fsuper,
		jrnl:   j,
		blocks: lru.New[common.Lba, *BoundBlock](metaCacheSlots, nil),
		pinned: make(map[common.Lba]*pinnedBlock),
		inodes: make(map[common.Inum]*inodeRef),
	}
	util.DPrintf(1, "ffs: mounted %d blocks (%d used), %d inodes (%d used), journal=%v",
		sb.BlockCount, sb.BlockInuse, sb.InodeCount, sb.InodeInuse, j.Enabled())
	return ffs, nil
}

// Begin starts a metadata transaction, blocking until the journal is free.
func (ffs *Ffs) Begin(name string) *jrnl.Tx {
	return ffs.jrnl.Begin(name)
}

// updateSuper applies f to the superblock under a write guard in tx.
func (ffs *Ffs) updateSuper(tx *jrnl.Tx, f func(sb *layout.SuperBlock)) error {
	bb, err := ffs.loadBlock(common.SuperLba)
	if err != nil {
		return err
	}
	g := bb.Write(tx)
	sb, err := layout.DecodeSuperBlock(g.Bytes())
	if err != nil {
		g.Forget()
		return err
	}
	f(sb)
	copy(g.Bytes(), sb.Encode())
	g.Submit()
	return nil
}

// AllocBlock allocates a free data block in tx, marking its bitmap bit and
// bumping the superblock's used count. The block's old content is not
// zeroed.
func (ffs *Ffs) AllocBlock(tx *jrnl.Tx) (common.Lba, error) {
	start := ffs.Super.BlockBitmapStart()
	nblks := ffs.Super.BlockBitmapBlocks()
	for k := uint64(0); k < nblks; k++ {
		bb, err := ffs.loadBlock(start + common.Lba(k))
		if err != nil {
			return common.NullLba, err
		}
		g := bb.Write(tx)
		bm := layout.Bitmap(g.Bytes())
		limit := util.Min(common.BitsPerBlock, ffs.Super.BlockCount-k*common.BitsPerBlock)
		for pos := uint64(0); pos < limit; pos++ {
			if bm.Allocate(pos) {
				g.Submit()
				lba := common.Lba(k*common.BitsPerBlock + pos)
				err := ffs.updateSuper(tx, func(sb *layout.SuperBlock) {
					sb.BlockInuse++
				})
				if err != nil {
					return common.NullLba, err
				}
				util.DPrintf(3, "ffs: allocated block %d", lba)
				return lba, nil
			}
		}
		g.Forget()
	}
	return common.NullLba, common.ErrNoSpace
}

// FreeBlock releases an allocated data block in tx.
func (ffs *Ffs) FreeBlock(tx *jrnl.Tx, lba common.Lba) error {
	blk, bit := ffs.Super.BlockBitmapAddr(lba)
	bb, err := ffs.loadBlock(blk)
	if err != nil {
		return err
	}
	g := bb.Write(tx)
	if !layout.Bitmap(g.Bytes()).Deallocate(bit) {
		g.Forget()
		return common.Corrupt("freeing unallocated block")
	}
	g.Submit()
	util.DPrintf(3, "ffs: freed block %d", lba)
	return ffs.updateSuper(tx, func(sb *layout.SuperBlock) {
		sb.BlockInuse--
	})
}

// allocInum claims a free inode number in tx.
func (ffs *Ffs) allocInum(tx *jrnl.Tx) (common.Inum, error) {
	start := ffs.Super.InodeBitmapStart()
	nblks := ffs.Super.InodeBitmapBlocks()
	for k := uint64(0); k < nblks; k++ {
		bb, err := ffs.loadBlock(start + common.Lba(k))
		if err != nil {
			return common.NullInum, err
		}
		g := bb.Write(tx)
		bm := layout.Bitmap(g.Bytes())
		limit := util.Min(common.BitsPerBlock, ffs.Super.InodeCount-k*common.BitsPerBlock)
		for pos := uint64(0); pos < limit; pos++ {
			if bm.Allocate(pos) {
				g.Submit()
				ino := common.Inum(k*common.BitsPerBlock + pos + 1)
				err := ffs.updateSuper(tx, func(sb *layout.SuperBlock) {
					sb.InodeInuse++
				})
				if err != nil {
					return common.NullInum, err
				}
				return ino, nil
			}
		}
		g.Forget()
	}
	return common.NullInum, common.ErrNoSpace
}

// freeInum releases an inode number in tx.
func (ffs *Ffs) freeInum(tx *jrnl.Tx, ino common.Inum) error {
	blk, bit := ffs.Super.InodeBitmapAddr(ino)
	bb, err := ffs.loadBlock(blk)
	if err != nil {
		return err
	}
	g := bb.Write(tx)
	if !layout.Bitmap(g.Bytes()).Deallocate(bit) {
		g.Forget()
		return common.Corrupt("freeing unallocated inode")
	}
	g.Submit()
	return ffs.updateSuper(tx, func(sb *layout.SuperBlock) {
		sb.InodeInuse--
	})
}
