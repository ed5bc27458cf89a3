package fs

import (
	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/jrnl"
	"github.com/keosfs/ffs/layout"
)

// Inode block indexing. A file's blocks are addressed through three tiers:
// NumDirect direct pointers, one indirect block of PtrsPerBlock pointers,
// and one double-indirect block. Indirect blocks live in the data region
// but are metadata: they are accessed through bound blocks and journaled.

// blockOf resolves file block fba of ind to a disk address. Returns
// NullLba when fba is past the end of the file; a hole inside the file is
// corruption.
func (ffs *Ffs) blockOf(ind *layout.Inode, fba common.Fba) (common.Lba, error) {
	idx := uint64(fba)
	if idx*common.BlockSize >= ind.Size {
		return common.NullLba, nil
	}
	if idx >= common.MaxFileBlocks {
		return common.NullLba, common.Corrupt("file block index out of range")
	}
	if idx < common.NumDirect {
		lba := ind.Direct[idx]
		if lba == common.NullLba {
			return common.NullLba, common.Corrupt("unallocated block inside file")
		}
		return lba, nil
	}
	idx -= common.NumDirect
	if idx < common.PtrsPerBlock {
		if ind.Indirect == common.NullLba {
			return common.NullLba, common.Corrupt("unallocated block inside file")
		}
		lba, err := ffs.readPtr(ind.Indirect, idx)
		if err != nil {
			return common.NullLba, err
		}
		if lba == common.NullLba {
			return common.NullLba, common.Corrupt("unallocated block inside file")
		}
		return lba, nil
	}
	idx -= common.PtrsPerBlock
	outer := idx / common.PtrsPerBlock
	inner := idx % common.PtrsPerBlock
	if ind.DblIndirect == common.NullLba {
		return common.NullLba, common.Corrupt("unallocated block inside file")
	}
	mid, err := ffs.readPtr(ind.DblIndirect, outer)
	if err != nil {
		return common.NullLba, err
	}
	if mid == common.NullLba {
		return common.NullLba, common.Corrupt("unallocated block inside file")
	}
	lba, err := ffs.readPtr(mid, inner)
	if err != nil {
		return common.NullLba, err
	}
	if lba == common.NullLba {
		return common.NullLba, common.Corrupt("unallocated block inside file")
	}
	return lba, nil
}

// readPtr reads pointer i of the indirect block at lba.
func (ffs *Ffs) readPtr(lba common.Lba, i uint64) (common.Lba, error) {
	bb, err := ffs.loadBlock(lba)
	if err != nil {
		return common.NullLba, err
	}
	g := bb.Read()
	p := layout.GetLba(g.Bytes(), i)
	g.Release()
	return p, nil
}

// writePtr updates pointer i of the indirect block at lba in tx.
func (ffs *Ffs) writePtr(tx *jrnl.Tx, lba common.Lba, i uint64, p common.Lba) error {
	bb, err := ffs.loadBlock(lba)
	if err != nil {
		return err
	}
	g := bb.Write(tx)
	layout.PutLba(g.Bytes(), i, p)
	g.Submit()
	return nil
}

// allocPtrBlock allocates a block to serve as an indirect block and stages
// it zeroed, so every pointer starts out null.
func (ffs *Ffs) allocPtrBlock(tx *jrnl.Tx) (common.Lba, error) {
	lba, err := ffs.AllocBlock(tx)
	if err != nil {
		return common.NullLba, err
	}
	bb, err := ffs.loadBlock(lba)
	if err != nil {
		return common.NullLba, err
	}
	g := bb.Write(tx)
	b := g.Bytes()
	for i := range b {
		b[i] = 0
	}
	g.Submit()
	return lba, nil
}

// Grow allocates backing blocks for the inode through file block until,
// skipping blocks that already exist. It does not change the file size.
func (g *InodeGuard) Grow(until common.Fba) error {
	if uint64(until) >= common.MaxFileBlocks {
		return common.ErrNoSpace
	}
	for fba := uint64(0); fba <= uint64(until); fba++ {
		if err := g.ensure(fba); err != nil {
			return err
		}
	}
	return nil
}

// ensure allocates the block at index idx if it is missing, along with any
// indirect blocks on the path to it.
func (g *InodeGuard) ensure(idx uint64) error {
	ffs, tx, ind := g.ffs, g.tx, g.Ind
	if idx < common.NumDirect {
		if ind.Direct[idx] == common.NullLba {
			lba, err := ffs.AllocBlock(tx)
			if err != nil {
				return err
			}
			ind.Direct[idx] = lba
		}
		return nil
	}
	idx -= common.NumDirect
	if idx < common.PtrsPerBlock {
		if ind.Indirect == common.NullLba {
			lba, err := ffs.allocPtrBlock(tx)
			if err != nil {
				return err
			}
			ind.Indirect = lba
		}
		p, err := ffs.readPtr(ind.Indirect, idx)
		if err != nil {
			return err
		}
		if p == common.NullLba {
			lba, err := ffs.AllocBlock(tx)
			if err != nil {
				return err
			}
			return ffs.writePtr(tx, ind.Indirect, idx, lba)
		}
		return nil
	}
	idx -= common.PtrsPerBlock
	outer := idx / common.PtrsPerBlock
	inner := idx % common.PtrsPerBlock
	if ind.DblIndirect == common.NullLba {
		lba, err := ffs.allocPtrBlock(tx)
		if err != nil {
			return err
		}
		ind.DblIndirect = lba
	}
	mid, err := ffs.readPtr(ind.DblIndirect, outer)
	if err != nil {
		return err
	}
	if mid == common.NullLba {
		mid, err = ffs.allocPtrBlock(tx)
		if err != nil {
			return err
		}
		if err := ffs.writePtr(tx, ind.DblIndirect, outer, mid); err != nil {
			return err
		}
	}
	p, err := ffs.readPtr(mid, inner)
	if err != nil {
		return err
	}
	if p == common.NullLba {
		lba, err := ffs.AllocBlock(tx)
		if err != nil {
			return err
		}
		return ffs.writePtr(tx, mid, inner, lba)
	}
	return nil
}

// zeroify frees every block the inode points at, including the indirect
// blocks themselves, and resets the inode's size and pointers.
func (ffs *Ffs) zeroify(tx *jrnl.Tx, ind *layout.Inode) error {
	for i, lba := range ind.Direct {
		if lba != common.NullLba {
			if err := ffs.FreeBlock(tx, lba); err != nil {
				return err
			}
			ind.Direct[i] = common.NullLba
		}
	}
	if ind.Indirect != common.NullLba {
		if err := ffs.freePtrBlock(tx, ind.Indirect, 1); err != nil {
			return err
		}
		ind.Indirect = common.NullLba
	}
	if ind.DblIndirect != common.NullLba {
		if err := ffs.freePtrBlock(tx, ind.DblIndirect, 2); err != nil {
			return err
		}
		ind.DblIndirect = common.NullLba
	}
	ind.Size = 0
	return nil
}

// freePtrBlock frees an indirect block of the given depth and everything
// it points at.
func (ffs *Ffs) freePtrBlock(tx *jrnl.Tx, lba common.Lba, depth int) error {
	bb, err := ffs.loadBlock(lba)
	if err != nil {
		return err
	}
	g := bb.Read()
	ptrs := make([]common.Lba, 0, common.PtrsPerBlock)
	for i := uint64(0); i < common.PtrsPerBlock; i++ {
		if p := layout.GetLba(g.Bytes(), i); p != common.NullLba {
			ptrs = append(ptrs, p)
		}
	}
	g.Release()
	for _, p := range ptrs {
		if depth > 1 {
			if err := ffs.freePtrBlock(tx, p, depth-1); err != nil {
				return err
			}
		} else {
			if err := ffs.FreeBlock(tx, p); err != nil {
				return err
			}
		}
	}
	return ffs.FreeBlock(tx, lba)
}
