// Package super computes the filesystem's disk geometry. Region boundaries
// are never stored on disk; they are derived from the block and inode
// counts in the superblock.
package super

import (
	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/disk"
	"github.com/keosfs/ffs/layout"
	"github.com/keosfs/ffs/util"
)

// FsSuper is the immutable shape of a mounted filesystem: the disk it
// lives on and the geometry derived from its superblock.
//
// The disk is laid out as superblock, inode bitmap, block bitmap, journal
// (if formatted with one), inode array, then data blocks.
type FsSuper struct {
	Disk       disk.Disk
	BlockCount uint64
	InodeCount uint64
	HasJournal bool
}

// New derives the geometry for a disk formatted with the given counts.
func New(d disk.Disk, blockCount uint64, inodeCount uint64, hasJournal bool) *FsSuper {
	return &FsSuper{
		Disk:       d,
		BlockCount: blockCount,
		InodeCount: inodeCount,
		HasJournal: hasJournal,
	}
}

// Load reads and validates the superblock of the disk at LBA 1 and derives
// the geometry from it.
func Load(d disk.Disk) (*FsSuper, *layout.SuperBlock, error) {
	b, err := disk.ReadBlock(d, common.SuperLba)
	if err != nil {
		return nil, nil, err
	}
	sb, err := layout.DecodeSuperBlock(b)
	if err != nil {
		return nil, nil, err
	}
	return New(d, sb.BlockCount, sb.InodeCount, sb.HasJournal), sb, nil
}

// InodeBitmapStart is the first block of the inode allocation bitmap.
func (fs *FsSuper) InodeBitmapStart() common.Lba {
	return common.SuperLba + 1
}

// InodeBitmapBlocks is the length of the inode bitmap in blocks.
func (fs *FsSuper) InodeBitmapBlocks() uint64 {
	return util.RoundUp(util.RoundUp(fs.InodeCount, 8), common.BlockSize)
}

// BlockBitmapStart is the first block of the block allocation bitmap.
func (fs *FsSuper) BlockBitmapStart() common.Lba {
	return fs.InodeBitmapStart() + common.Lba(fs.InodeBitmapBlocks())
}

// BlockBitmapBlocks is the length of the block bitmap in blocks.
func (fs *FsSuper) BlockBitmapBlocks() uint64 {
	return util.RoundUp(util.RoundUp(fs.BlockCount, 8), common.BlockSize)
}

// JournalStart is the journal superblock's address. The journal region is
// empty when the filesystem was formatted without one.
func (fs *FsSuper) JournalStart() common.Lba {
	return fs.BlockBitmapStart() + common.Lba(fs.BlockBitmapBlocks())
}

// JournalBlocks is the length of the journal region in blocks.
func (fs *FsSuper) JournalBlocks() uint64 {
	if !fs.HasJournal {
		return 0
	}
	return layout.JournalBlocks
}

// InodeStart is the first block of the inode array.
func (fs *FsSuper) InodeStart() common.Lba {
	return fs.JournalStart() + common.Lba(fs.JournalBlocks())
}

// InodeBlocks is the length of the inode array in blocks.
func (fs *FsSuper) InodeBlocks() uint64 {
	return util.RoundUp(fs.InodeCount*common.InodeSize, common.BlockSize)
}

// DataStart is the first data block.
func (fs *FsSuper) DataStart() common.Lba {
	return fs.InodeStart() + common.Lba(fs.InodeBlocks())
}

// InodeBitmapAddr locates the bitmap bit for inode ino: the bitmap block
// holding it and the bit's position within that block. Inode numbers are
// 1-based; bit ino-1 tracks inode ino.
func (fs *FsSuper) InodeBitmapAddr(ino common.Inum) (common.Lba, uint64) {
	if ino == common.NullInum || uint64(ino) > fs.InodeCount {
		panic("inode number out of range")
	}
	idx := uint64(ino) - 1
	return fs.InodeBitmapStart() + common.Lba(idx/common.BitsPerBlock), idx % common.BitsPerBlock
}

// BlockBitmapAddr locates the bitmap bit for the block at lba. Bitmap bit
// indexes are absolute block addresses.
func (fs *FsSuper) BlockBitmapAddr(lba common.Lba) (common.Lba, uint64) {
	if lba == common.NullLba || uint64(lba) >= fs.BlockCount {
		panic("block address out of range")
	}
	idx := uint64(lba)
	return fs.BlockBitmapStart() + common.Lba(idx/common.BitsPerBlock), idx % common.BitsPerBlock
}

// InodeSlotAddr locates the inode record for ino: the inode array block
// holding it and the record's index within that block.
func (fs *FsSuper) InodeSlotAddr(ino common.Inum) (common.Lba, uint64) {
	if ino == common.NullInum || uint64(ino) > fs.InodeCount {
		panic("inode number out of range")
	}
	idx := uint64(ino) - 1
	return fs.InodeStart() + common.Lba(idx/common.InodesPerBlock), idx % common.InodesPerBlock
}

// InRange reports whether ino names a possible inode on this filesystem.
func (fs *FsSuper) InRange(ino common.Inum) bool {
	return ino != common.NullInum && uint64(ino) <= fs.InodeCount
}

// ReadBlock reads the block at lba.
func (fs *FsSuper) ReadBlock(lba common.Lba) ([]byte, error) {
	return disk.ReadBlock(fs.Disk, lba)
}

// WriteBlock writes the block at lba.
func (fs *FsSuper) WriteBlock(lba common.Lba, b []byte) error {
	return disk.WriteBlock(fs.Disk, lba, b)
}
