package disk

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/keosfs/ffs/common"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd         int
	numSectors uint64
}

// NewFileDisk opens (creating if needed) a disk image at path sized to
// numBlocks filesystem blocks.
func NewFileDisk(path string, numBlocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", common.ErrIO, path, err)
	}
	size := numBlocks * common.BlockSize
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %s", common.ErrIO, path, err)
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != size {
		err = unix.Ftruncate(fd, int64(size))
		if err != nil {
			return nil, fmt.Errorf("%w: truncate %s: %s", common.ErrIO, path, err)
		}
	}
	return fileDisk{fd, numBlocks * common.SectorsPerBlock}, nil
}

func (d fileDisk) ReadSector(s uint64, buf Sector) error {
	if uint64(len(buf)) != common.SectorSize {
		panic("buffer is not sector-sized")
	}
	if s >= d.numSectors {
		panic(fmt.Errorf("out-of-bounds read at sector %v", s))
	}
	_, err := unix.Pread(d.fd, buf, int64(s*common.SectorSize))
	if err != nil {
		return fmt.Errorf("%w: read sector %d: %s", common.ErrIO, s, err)
	}
	return nil
}

func (d fileDisk) WriteSector(s uint64, v Sector) error {
	if uint64(len(v)) != common.SectorSize {
		panic(fmt.Errorf("v is not sector-sized (%d bytes)", len(v)))
	}
	if s >= d.numSectors {
		panic(fmt.Errorf("out-of-bounds write at sector %v", s))
	}
	_, err := unix.Pwrite(d.fd, v, int64(s*common.SectorSize))
	if err != nil {
		return fmt.Errorf("%w: write sector %d: %s", common.ErrIO, s, err)
	}
	return nil
}

func (d fileDisk) Size() (uint64, error) {
	return d.numSectors, nil
}

func (d fileDisk) Barrier() error {
	err := unix.Fsync(d.fd)
	if err != nil {
		return fmt.Errorf("%w: fsync: %s", common.ErrIO, err)
	}
	return nil
}

func (d fileDisk) Close() error {
	err := unix.Close(d.fd)
	if err != nil {
		return fmt.Errorf("%w: close: %s", common.ErrIO, err)
	}
	return nil
}

var _ Disk = (*memDisk)(nil)

type memDisk struct {
	l       *sync.RWMutex
	sectors [][]byte
}

// NewMemDisk creates an in-memory disk sized to numBlocks filesystem
// blocks, initially all zeroes.
func NewMemDisk(numBlocks uint64) Disk {
	sectors := make([][]byte, numBlocks*common.SectorsPerBlock)
	for i := range sectors {
		sectors[i] = make([]byte, common.SectorSize)
	}
	return memDisk{l: new(sync.RWMutex), sectors: sectors}
}

func (d memDisk) ReadSector(s uint64, buf Sector) error {
	d.l.RLock()
	defer d.l.RUnlock()
	if s >= uint64(len(d.sectors)) {
		panic(fmt.Errorf("out-of-bounds read at sector %v", s))
	}
	copy(buf, d.sectors[s])
	return nil
}

func (d memDisk) WriteSector(s uint64, v Sector) error {
	if uint64(len(v)) != common.SectorSize {
		panic(fmt.Errorf("v is not sector-sized (%d bytes)", len(v)))
	}
	d.l.Lock()
	defer d.l.Unlock()
	if s >= uint64(len(d.sectors)) {
		panic(fmt.Errorf("out-of-bounds write at sector %v", s))
	}
	copy(d.sectors[s], v)
	return nil
}

func (d memDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.sectors)), nil
}

func (d memDisk) Barrier() error { return nil }

func (d memDisk) Close() error { return nil }
