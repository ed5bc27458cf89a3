package fs

import (
	"github.com/keosfs/ffs/common"
)

// File is an open filesystem object: a regular file or a directory.
type File interface {
	// Ino is the object's inode number.
	Ino() common.Inum
	// Size is the object's size in bytes.
	Size() uint64
	// Close releases the handle.
	Close()
}

// RegularFile is an open regular file, addressed in whole blocks.
type RegularFile struct {
	ffs *Ffs
	ti  *TrackedInode
}

var _ File = (*RegularFile)(nil)

func (f *RegularFile) Ino() common.Inum {
	return f.ti.Ino()
}

func (f *RegularFile) Size() uint64 {
	return f.ti.Size()
}

// Close releases the file handle. If the file has been unlinked and this
// is the last handle, the inode is deallocated.
func (f *RegularFile) Close() {
	f.ti.Put()
}

// ReadBlock reads file block fba into buf, reporting whether the block
// exists. Blocks past the end of the file do not exist.
func (f *RegularFile) ReadBlock(fba common.Fba, buf []byte) (bool, error) {
	if uint64(len(buf)) != common.BlockSize {
		panic("buffer is not block-sized")
	}
	lba, err := f.ti.blockAt(fba)
	if err != nil {
		return false, err
	}
	if lba == common.NullLba {
		return false, nil
	}
	if err := f.ffs.readData(lba, buf); err != nil {
		return false, err
	}
	return true, nil
}

// WriteBlock writes buf to file block fba, growing the file so that its
// size is at least minSize. The inode update is journaled in one
// transaction; the data block itself is written in place.
//
// minSize must cover the written block, or the write fails.
func (f *RegularFile) WriteBlock(fba common.Fba, buf []byte, minSize uint64) error {
	if uint64(len(buf)) != common.BlockSize {
		panic("buffer is not block-sized")
	}
	tx := f.ffs.Begin("file-write")
	err := f.ti.WriteWith(tx, func(g *InodeGuard) error {
		if err := g.Grow(fba); err != nil {
			g.Forget()
			return err
		}
		if minSize > g.Ind.Size {
			g.Ind.Size = minSize
		}
		lba, err := f.ffs.blockOf(g.Ind, fba)
		if err != nil {
			g.Forget()
			return err
		}
		if lba == common.NullLba {
			// minSize does not reach the written block
			g.Forget()
			return common.ErrNoSuchEntry
		}
		if err := f.ffs.writeData(lba, buf); err != nil {
			g.Forget()
			return err
		}
		g.Submit()
		return nil
	})
	if err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Writeback is a no-op: file writes are synchronous at this layer. The
// page cache overlays its own write-back buffering.
func (f *RegularFile) Writeback() error {
	return nil
}

// readData reads a data-region block directly from disk, bypassing the
// metadata cache.
func (ffs *Ffs) readData(lba common.Lba, buf []byte) error {
	if lba < ffs.Super.DataStart() {
		panic("data read inside metadata region")
	}
	b, err := ffs.Super.ReadBlock(lba)
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

// writeData writes a data-region block directly to disk. Data blocks are
// not journaled.
func (ffs *Ffs) writeData(lba common.Lba, buf []byte) error {
	if lba < ffs.Super.DataStart() {
		panic("data write inside metadata region")
	}
	return ffs.Super.WriteBlock(lba, buf)
}
