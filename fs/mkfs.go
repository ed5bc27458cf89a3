package fs

import (
	"fmt"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/disk"
	"github.com/keosfs/ffs/layout"
	"github.com/keosfs/ffs/super"
	"github.com/keosfs/ffs/util"
)

// Mkfs formats d with blockCount blocks and inodeCount inodes, optionally
// with a journal region, and writes an empty root directory. The
// superblock is written last, so an interrupted format never looks like a
// valid filesystem.
func Mkfs(d disk.Disk, blockCount uint64, inodeCount uint64, journal bool) error {
	if inodeCount == 0 {
		return fmt.Errorf("mkfs: need at least one inode")
	}
	fsuper := super.New(d, blockCount, inodeCount, journal)
	dataStart := uint64(fsuper.DataStart())
	if blockCount <= dataStart {
		return fmt.Errorf("mkfs: %d blocks leave no room for data (metadata ends at %d)",
			blockCount, dataStart)
	}
	sectors, err := d.Size()
	if err != nil {
		return err
	}
	if sectors < blockCount*common.SectorsPerBlock {
		return fmt.Errorf("mkfs: disk has %d sectors, need %d",
			sectors, blockCount*common.SectorsPerBlock)
	}

	// zero the whole metadata region
	zero := make([]byte, common.BlockSize)
	for lba := fsuper.InodeBitmapStart(); lba < fsuper.DataStart(); lba++ {
		if err := fsuper.WriteBlock(lba, zero); err != nil {
			return err
		}
	}

	// inode bitmap: the root inode
	ibm := layout.Bitmap(make([]byte, common.BlockSize))
	ibm.Allocate(0)
	if err := fsuper.WriteBlock(fsuper.InodeBitmapStart(), ibm); err != nil {
		return err
	}

	// block bitmap: bit indexes are absolute LBAs, so mark bit 0 (no such
	// block), every metadata block, and the root directory's data block
	rootBlk := common.Lba(dataStart)
	nbm := fsuper.BlockBitmapBlocks()
	bms := make([]layout.Bitmap, nbm)
	for i := range bms {
		bms[i] = layout.Bitmap(make([]byte, common.BlockSize))
	}
	for idx := uint64(0); idx <= dataStart; idx++ {
		bms[idx/common.BitsPerBlock].Allocate(idx % common.BitsPerBlock)
	}
	for i, bm := range bms {
		err := fsuper.WriteBlock(fsuper.BlockBitmapStart()+common.Lba(i), bm)
		if err != nil {
			return err
		}
	}

	// root inode: a directory holding "." and "..", both pointing at it
	root := &layout.Inode{
		Ino:       common.RootInum,
		Ftype:     layout.FtDirectory,
		Size:      common.BlockSize,
		LinkCount: 2,
	}
	root.Direct[0] = rootBlk
	iblk := make([]byte, common.BlockSize)
	copy(iblk[:common.InodeSize], root.Encode())
	if err := fsuper.WriteBlock(fsuper.InodeStart(), iblk); err != nil {
		return err
	}

	dot := layout.DirEnt{Ino: common.RootInum, Name: "."}
	dotdot := layout.DirEnt{Ino: common.RootInum, Name: ".."}
	rblk := make([]byte, common.BlockSize)
	copy(rblk[:common.DirEntSize], dot.Encode())
	copy(rblk[common.DirEntSize:2*common.DirEntSize], dotdot.Encode())
	if err := fsuper.WriteBlock(rootBlk, rblk); err != nil {
		return err
	}

	if journal {
		jsb := &layout.JournalSb{}
		if err := fsuper.WriteBlock(fsuper.JournalStart(), jsb.Encode()); err != nil {
			return err
		}
	}

	sb := &layout.SuperBlock{
		BlockCount: blockCount,
		BlockInuse: dataStart + 1,
		InodeCount: inodeCount,
		InodeInuse: 1,
		HasJournal: journal,
	}
	if err := fsuper.WriteBlock(common.SuperLba, sb.Encode()); err != nil {
		return err
	}
	if err := d.Barrier(); err != nil {
		return err
	}
	util.DPrintf(1, "mkfs: %d blocks, %d inodes, journal=%v, data starts at %d",
		blockCount, inodeCount, journal, dataStart)
	return nil
}
