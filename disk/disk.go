// Package disk provides sector-granular access to a raw block device,
// either backed by a file or entirely in memory.
package disk

import (
	"github.com/keosfs/ffs/common"
)

// Sector is a 512-byte buffer.
type Sector = []byte

// Disk provides access to a logical sector-addressed disk. Sector 0 is the
// first sector of the filesystem's superblock.
type Disk interface {
	// ReadSector reads the sector at s into buf.
	//
	// Expects s < Size() and len(buf) == SectorSize.
	ReadSector(s uint64, buf Sector) error

	// WriteSector updates the sector at s.
	//
	// Expects s < Size() and len(v) == SectorSize.
	WriteSector(s uint64, v Sector) error

	// Size reports how big the disk is, in sectors.
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are durably on disk.
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// ReadBlockTo reads the 4096-byte block at lba into buf.
func ReadBlockTo(d Disk, lba common.Lba, buf []byte) error {
	if uint64(len(buf)) != common.BlockSize {
		panic("buffer is not block-sized")
	}
	s := lba.Sector()
	for i := uint64(0); i < common.SectorsPerBlock; i++ {
		err := d.ReadSector(s+i, buf[i*common.SectorSize:(i+1)*common.SectorSize])
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock reads the 4096-byte block at lba.
func ReadBlock(d Disk, lba common.Lba) ([]byte, error) {
	buf := make([]byte, common.BlockSize)
	err := ReadBlockTo(d, lba, buf)
	return buf, err
}

// WriteBlock writes the 4096-byte block v at lba.
func WriteBlock(d Disk, lba common.Lba, v []byte) error {
	if uint64(len(v)) != common.BlockSize {
		panic("buffer is not block-sized")
	}
	s := lba.Sector()
	for i := uint64(0); i < common.SectorsPerBlock; i++ {
		err := d.WriteSector(s+i, v[i*common.SectorSize:(i+1)*common.SectorSize])
		if err != nil {
			return err
		}
	}
	return nil
}
