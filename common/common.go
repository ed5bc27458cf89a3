// Package common holds the shared constants and scalar types of the
// filesystem: block geometry, inode geometry, and the identifiers every
// other package traffics in.
package common

// Inum is an inode number. Inode numbers start at 1; 0 means "no inode".
type Inum uint32

// Lba is a logical block address on the disk. Block addresses start at 1
// (the superblock); 0 is the null address.
type Lba uint64

// Fba is a block index relative to the start of a file.
type Fba uint64

const (
	// BlockSize is the filesystem block size in bytes.
	BlockSize uint64 = 4096
	// SectorSize is the disk sector size in bytes.
	SectorSize uint64 = 512
	// SectorsPerBlock is how many sectors make up one block.
	SectorsPerBlock uint64 = BlockSize / SectorSize

	// InodeSize is the on-disk size of one inode record.
	InodeSize uint64 = 256
	// InodesPerBlock is how many inode records fit in one block.
	InodesPerBlock uint64 = BlockSize / InodeSize

	// NumDirect is the number of direct block pointers in an inode.
	NumDirect uint64 = 12
	// PtrsPerBlock is how many block pointers fit in an indirect block.
	PtrsPerBlock uint64 = BlockSize / 8
	// MaxFileBlocks is the largest file size in blocks: the direct
	// pointers, one indirect block, and one double-indirect block.
	MaxFileBlocks uint64 = NumDirect + PtrsPerBlock + PtrsPerBlock*PtrsPerBlock

	// NameMax is the longest directory entry name, in bytes.
	NameMax uint64 = 251
	// DirEntSize is the on-disk size of one directory entry.
	DirEntSize uint64 = 256
	// DirEntsPerBlock is how many directory entries fit in one block.
	DirEntsPerBlock uint64 = BlockSize / DirEntSize

	// BitsPerBlock is how many bitmap bits fit in one block.
	BitsPerBlock uint64 = BlockSize * 8
)

const (
	// NullInum is the reserved "no inode" number.
	NullInum Inum = 0
	// RootInum is the inode number of the root directory.
	RootInum Inum = 1
	// NullLba is the reserved null block address.
	NullLba Lba = 0
	// SuperLba is the block address of the superblock.
	SuperLba Lba = 1
)

// Sector returns the first disk sector of the block at l. The superblock
// (LBA 1) lives at sector 0.
func (l Lba) Sector() uint64 {
	if l == NullLba {
		panic("sector of null block address")
	}
	return uint64(l-1) * SectorsPerBlock
}
