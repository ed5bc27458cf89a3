package super

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/disk"
	"github.com/keosfs/ffs/layout"
)

func TestGeometryWithJournal(t *testing.T) {
	assert := assert.New(t)
	fs := New(nil, 8192, 128, true)

	assert.Equal(common.Lba(2), fs.InodeBitmapStart())
	assert.Equal(uint64(1), fs.InodeBitmapBlocks())
	assert.Equal(common.Lba(3), fs.BlockBitmapStart())
	assert.Equal(uint64(1), fs.BlockBitmapBlocks())
	assert.Equal(common.Lba(4), fs.JournalStart())
	assert.Equal(uint64(4098), fs.JournalBlocks())
	assert.Equal(common.Lba(4102), fs.InodeStart())
	assert.Equal(uint64(8), fs.InodeBlocks(), "128 inodes at 16 per block")
	assert.Equal(common.Lba(4110), fs.DataStart())
}

func TestGeometryWithoutJournal(t *testing.T) {
	assert := assert.New(t)
	fs := New(nil, 2048, 32, false)

	assert.Equal(common.Lba(4), fs.JournalStart())
	assert.Equal(uint64(0), fs.JournalBlocks())
	assert.Equal(common.Lba(4), fs.InodeStart())
	assert.Equal(uint64(2), fs.InodeBlocks())
	assert.Equal(common.Lba(6), fs.DataStart())
}

func TestAddrHelpers(t *testing.T) {
	assert := assert.New(t)
	fs := New(nil, 8192, 128, true)

	lba, bit := fs.InodeBitmapAddr(1)
	assert.Equal(common.Lba(2), lba)
	assert.Equal(uint64(0), bit, "inode 1 is bit 0")

	lba, bit = fs.InodeBitmapAddr(10)
	assert.Equal(common.Lba(2), lba)
	assert.Equal(uint64(9), bit)

	lba, bit = fs.BlockBitmapAddr(4110)
	assert.Equal(common.Lba(3), lba)
	assert.Equal(uint64(4110), bit, "bitmap bit index is the absolute LBA")

	lba, slot := fs.InodeSlotAddr(1)
	assert.Equal(common.Lba(4102), lba)
	assert.Equal(uint64(0), slot)

	lba, slot = fs.InodeSlotAddr(17)
	assert.Equal(common.Lba(4103), lba)
	assert.Equal(uint64(0), slot)

	assert.True(fs.InRange(128))
	assert.False(fs.InRange(129))
	assert.False(fs.InRange(common.NullInum))

	assert.Panics(func() { fs.InodeBitmapAddr(0) })
	assert.Panics(func() { fs.BlockBitmapAddr(8192) })
}

func TestLoad(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)
	sb := &layout.SuperBlock{
		BlockCount: 2048,
		BlockInuse: 6,
		InodeCount: 32,
		InodeInuse: 1,
		HasJournal: false,
	}
	assert.Nil(disk.WriteBlock(d, common.SuperLba, sb.Encode()))

	fs, got, err := Load(d)
	assert.Nil(err)
	assert.Equal(sb, got)
	assert.Equal(uint64(2048), fs.BlockCount)
	assert.False(fs.HasJournal)

	d2 := disk.NewMemDisk(8)
	_, _, err = Load(d2)
	assert.Error(err, "zeroed disk has no superblock")
}
