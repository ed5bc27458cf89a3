package fs

import (
	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/jrnl"
	"github.com/keosfs/ffs/layout"
	"github.com/keosfs/ffs/util"
)

// Directory is an open directory. Its content blocks hold fixed-size
// entries and are metadata: they are read and written through bound
// blocks and journaled.
//
// Every directory starts with the "." and ".." entries. A directory whose
// inode has been unlinked is marked removed; operations against any handle
// of a removed directory fail with ErrNoSuchEntry.
type Directory struct {
	ffs *Ffs
	ti  *TrackedInode
}

var _ File = (*Directory)(nil)

// Root opens the root directory.
func (ffs *Ffs) Root() (*Directory, error) {
	ti, err := ffs.GetInode(common.RootInum)
	if err != nil {
		return nil, err
	}
	if !ti.IsDir() {
		ti.Put()
		return nil, common.Corrupt("root inode is not a directory")
	}
	return &Directory{ffs: ffs, ti: ti}, nil
}

func (d *Directory) Ino() common.Inum {
	return d.ti.Ino()
}

func (d *Directory) Size() uint64 {
	return d.ti.Size()
}

// Close releases the directory handle.
func (d *Directory) Close() {
	d.ti.Put()
}

func (d *Directory) removed() bool {
	return d.ti.ref.removed.Load()
}

// scan walks the directory's in-use entries in block order, stopping early
// if f returns false. f runs under a read guard on the entry's block.
func (d *Directory) scan(f func(fba common.Fba, idx uint64, e layout.DirEnt) bool) error {
	nblks := d.ti.Size() / common.BlockSize
	for fba := common.Fba(0); uint64(fba) < nblks; fba++ {
		lba, err := d.ti.blockAt(fba)
		if err != nil {
			return err
		}
		bb, err := d.ffs.loadBlock(lba)
		if err != nil {
			return err
		}
		g := bb.Read()
		for i := uint64(0); i < common.DirEntsPerBlock; i++ {
			e := layout.DecodeDirEnt(
				g.Bytes()[i*common.DirEntSize : (i+1)*common.DirEntSize])
			if e.Ino == common.NullInum {
				continue
			}
			if !f(fba, i, e) {
				g.Release()
				return nil
			}
		}
		g.Release()
	}
	return nil
}

// Find looks up name, returning the inode number it refers to.
func (d *Directory) Find(name string) (common.Inum, error) {
	if d.removed() {
		return common.NullInum, common.ErrNoSuchEntry
	}
	found := common.NullInum
	err := d.scan(func(fba common.Fba, idx uint64, e layout.DirEnt) bool {
		if e.Name == name {
			found = e.Ino
			return false
		}
		return true
	})
	if err != nil {
		return common.NullInum, err
	}
	if found == common.NullInum {
		return common.NullInum, common.ErrNoSuchEntry
	}
	return found, nil
}

// ReadDir lists the directory's entries, including "." and "..".
func (d *Directory) ReadDir() ([]layout.DirEnt, error) {
	if d.removed() {
		return nil, common.ErrNoSuchEntry
	}
	var ents []layout.DirEnt
	err := d.scan(func(fba common.Fba, idx uint64, e layout.DirEnt) bool {
		ents = append(ents, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return ents, nil
}

// countEntries reports the number of in-use entries. An empty directory
// has two: "." and "..".
func (d *Directory) countEntries() (int, error) {
	n := 0
	err := d.scan(func(fba common.Fba, idx uint64, e layout.DirEnt) bool {
		n++
		return true
	})
	return n, err
}

// OpenEntry opens the object name refers to.
func (d *Directory) OpenEntry(name string) (File, error) {
	ino, err := d.Find(name)
	if err != nil {
		return nil, err
	}
	return d.ffs.openIno(ino)
}

func (ffs *Ffs) openIno(ino common.Inum) (File, error) {
	ti, err := ffs.GetInode(ino)
	if err != nil {
		return nil, err
	}
	switch ti.ref.ind.Ftype {
	case layout.FtRegular:
		return &RegularFile{ffs: ffs, ti: ti}, nil
	case layout.FtDirectory:
		return &Directory{ffs: ffs, ti: ti}, nil
	}
	ti.Put()
	return nil, common.Corrupt("inode has unknown file type")
}

// AddEntry links ino under name in tx, incrementing ino's link count. It
// does not check for duplicate names.
func (d *Directory) AddEntry(tx *jrnl.Tx, name string, ino common.Inum) error {
	if d.removed() {
		return common.ErrNoSuchEntry
	}
	if uint64(len(name)) > common.NameMax {
		return common.ErrNameTooLong
	}
	ent := layout.DirEnt{Ino: ino, Name: name}

	// reuse a free slot if one exists
	freeFba, freeIdx, ok, err := d.findFreeSlot()
	if err != nil {
		return err
	}
	if ok {
		lba, err := d.ti.blockAt(freeFba)
		if err != nil {
			return err
		}
		bb, err := d.ffs.loadBlock(lba)
		if err != nil {
			return err
		}
		g := bb.Write(tx)
		copy(g.Bytes()[freeIdx*common.DirEntSize:(freeIdx+1)*common.DirEntSize],
			ent.Encode())
		g.Submit()
	} else {
		// grow the directory by one block and place the entry first
		err := d.ti.WriteWith(tx, func(g *InodeGuard) error {
			fba := common.Fba(g.Ind.Size / common.BlockSize)
			if err := g.Grow(fba); err != nil {
				g.Forget()
				return err
			}
			g.Ind.Size += common.BlockSize
			lba, err := d.ffs.blockOf(g.Ind, fba)
			if err != nil {
				g.Forget()
				return err
			}
			bb, err := d.ffs.loadBlock(lba)
			if err != nil {
				g.Forget()
				return err
			}
			wg := bb.Write(tx)
			b := wg.Bytes()
			for i := range b {
				b[i] = 0
			}
			copy(b[:common.DirEntSize], ent.Encode())
			wg.Submit()
			g.Submit()
			return nil
		})
		if err != nil {
			return err
		}
	}

	target, err := d.ffs.GetInode(ino)
	if err != nil {
		return err
	}
	err = target.WriteWith(tx, func(g *InodeGuard) error {
		g.Ind.LinkCount++
		g.Submit()
		return nil
	})
	target.Put()
	return err
}

// findFreeSlot locates the first free entry slot in the directory.
func (d *Directory) findFreeSlot() (common.Fba, uint64, bool, error) {
	nblks := d.ti.Size() / common.BlockSize
	for fba := common.Fba(0); uint64(fba) < nblks; fba++ {
		lba, err := d.ti.blockAt(fba)
		if err != nil {
			return 0, 0, false, err
		}
		bb, err := d.ffs.loadBlock(lba)
		if err != nil {
			return 0, 0, false, err
		}
		g := bb.Read()
		for i := uint64(0); i < common.DirEntsPerBlock; i++ {
			e := layout.DecodeDirEnt(
				g.Bytes()[i*common.DirEntSize : (i+1)*common.DirEntSize])
			if e.Ino == common.NullInum {
				g.Release()
				return fba, i, true, nil
			}
		}
		g.Release()
	}
	return 0, 0, false, nil
}

// clearEntry frees the slot holding name in tx.
func (d *Directory) clearEntry(tx *jrnl.Tx, name string) (common.Inum, error) {
	var fba common.Fba
	var idx uint64
	var ino common.Inum
	found := false
	err := d.scan(func(f common.Fba, i uint64, e layout.DirEnt) bool {
		if e.Name == name {
			fba, idx, ino, found = f, i, e.Ino, true
			return false
		}
		return true
	})
	if err != nil {
		return common.NullInum, err
	}
	if !found {
		return common.NullInum, common.ErrNoSuchEntry
	}
	lba, err := d.ti.blockAt(fba)
	if err != nil {
		return common.NullInum, err
	}
	bb, err := d.ffs.loadBlock(lba)
	if err != nil {
		return common.NullInum, err
	}
	g := bb.Write(tx)
	zero := make([]byte, common.DirEntSize)
	copy(g.Bytes()[idx*common.DirEntSize:(idx+1)*common.DirEntSize], zero)
	g.Submit()
	return ino, nil
}

// TakeEntry clears name's directory slot under tx, freeing the slot for
// reuse, and returns the removed object's tracked inode. The link count is
// untouched; the caller accounts for the removed reference and must
// release the handle.
func (d *Directory) TakeEntry(tx *jrnl.Tx, name string) (*TrackedInode, error) {
	if d.removed() {
		return nil, common.ErrNoSuchEntry
	}
	ino, err := d.clearEntry(tx, name)
	if err != nil {
		return nil, err
	}
	return d.ffs.GetInode(ino)
}

// CreateEntry creates a new file or directory under name and opens it. A
// new directory is populated with its "." and ".." entries.
func (d *Directory) CreateEntry(name string, isDir bool) (File, error) {
	if d.removed() {
		return nil, common.ErrNoSuchEntry
	}
	if uint64(len(name)) > common.NameMax {
		return nil, common.ErrNameTooLong
	}
	if _, err := d.Find(name); err == nil {
		return nil, common.ErrFileExists
	}
	ftype := layout.FtRegular
	if isDir {
		ftype = layout.FtDirectory
	}

	tx := d.ffs.Begin("create")
	ti, err := d.ffs.AllocInode(tx, ftype)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	err = func() error {
		if err := d.AddEntry(tx, name, ti.Ino()); err != nil {
			return err
		}
		if isDir {
			child := &Directory{ffs: d.ffs, ti: ti}
			if err := child.AddEntry(tx, ".", ti.Ino()); err != nil {
				return err
			}
			if err := child.AddEntry(tx, "..", d.Ino()); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		tx.Abort()
		ti.Put()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		ti.Put()
		return nil, err
	}
	util.DPrintf(2, "ffs: created %q as inode %d in directory %d",
		name, ti.Ino(), d.Ino())
	if isDir {
		return &Directory{ffs: d.ffs, ti: ti}, nil
	}
	return &RegularFile{ffs: d.ffs, ti: ti}, nil
}

// UnlinkEntry removes name from the directory. A directory can only be
// unlinked when empty; the root directory cannot be unlinked at all. The
// object is deallocated once its last open handle is released.
func (d *Directory) UnlinkEntry(name string) error {
	if d.removed() {
		return common.ErrNoSuchEntry
	}
	ino, err := d.Find(name)
	if err != nil {
		return err
	}
	if ino == common.RootInum {
		return common.ErrBusy
	}
	ti, err := d.ffs.GetInode(ino)
	if err != nil {
		return err
	}

	dec := uint64(1)
	if ti.IsDir() {
		child := &Directory{ffs: d.ffs, ti: ti}
		n, err := child.countEntries()
		if err != nil {
			ti.Put()
			return err
		}
		if n > 2 {
			ti.Put()
			return common.ErrDirNotEmpty
		}
		// "." and the parent's entry both go away
		dec = 2
		if ti.ref.removed.Swap(true) {
			ti.Put()
			return common.ErrNoSuchEntry
		}
	}

	tx := d.ffs.Begin("unlink")
	taken, err := d.TakeEntry(tx, name)
	if err != nil {
		tx.Abort()
		ti.Put()
		return err
	}
	err = taken.WriteWith(tx, func(g *InodeGuard) error {
		if g.Ind.LinkCount < dec {
			g.Forget()
			return common.Corrupt("link count underflow")
		}
		g.Ind.LinkCount -= dec
		g.Submit()
		return nil
	})
	if err != nil {
		tx.Abort()
		taken.Put()
		ti.Put()
		return err
	}
	if err := tx.Commit(); err != nil {
		taken.Put()
		ti.Put()
		return err
	}
	util.DPrintf(2, "ffs: unlinked %q (inode %d) from directory %d",
		name, ino, d.Ino())
	taken.Put()
	ti.Put()
	return nil
}
