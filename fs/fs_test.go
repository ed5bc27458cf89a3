package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/disk"
	"github.com/keosfs/ffs/layout"
)

const (
	testBlocks uint64 = 8192
	testInodes uint64 = 128
)

func testFs(t *testing.T) *Ffs {
	t.Helper()
	d := disk.NewMemDisk(testBlocks)
	err := Mkfs(d, testBlocks, testInodes, true)
	assert.Nil(t, err)
	ffs, err := Mount(d, Options{})
	assert.Nil(t, err)
	return ffs
}

func diskSuper(t *testing.T, ffs *Ffs) *layout.SuperBlock {
	t.Helper()
	b, err := ffs.Super.ReadBlock(common.SuperLba)
	assert.Nil(t, err)
	sb, err := layout.DecodeSuperBlock(b)
	assert.Nil(t, err)
	return sb
}

func TestMkfsMount(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)

	sb := diskSuper(t, ffs)
	assert.Equal(testBlocks, sb.BlockCount)
	assert.Equal(testInodes, sb.InodeCount)
	assert.Equal(uint64(1), sb.InodeInuse, "only the root is allocated")
	assert.Equal(uint64(ffs.Super.DataStart())+1, sb.BlockInuse,
		"metadata region plus the root block")
	assert.True(sb.HasJournal)

	root, err := ffs.Root()
	assert.Nil(err)
	defer root.Close()
	assert.Equal(common.RootInum, root.Ino())
	assert.Equal(common.BlockSize, root.Size())

	ents, err := root.ReadDir()
	assert.Nil(err)
	assert.Len(ents, 2)
	assert.Equal(".", ents[0].Name)
	assert.Equal(common.RootInum, ents[0].Ino)
	assert.Equal("..", ents[1].Name)
	assert.Equal(common.RootInum, ents[1].Ino)
}

func TestMkfsTooSmall(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(64)
	assert.Error(Mkfs(d, 64, 128, true), "journal region alone exceeds the disk")
}

func TestMountGarbage(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(64)
	_, err := Mount(d, Options{})
	assert.Error(err)
	var ce *common.CorruptError
	assert.ErrorAs(err, &ce)
}

func TestMountWithoutJournal(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(64)
	assert.Nil(Mkfs(d, 64, 16, false))
	ffs, err := Mount(d, Options{})
	assert.Nil(err)
	root, err := ffs.Root()
	assert.Nil(err)
	defer root.Close()

	f, err := root.CreateEntry("a", false)
	assert.Nil(err)
	f.Close()
	_, err = root.Find("a")
	assert.Nil(err)
}

func TestAllocFreeBlock(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	used := diskSuper(t, ffs).BlockInuse

	tx := ffs.Begin("test")
	lba, err := ffs.AllocBlock(tx)
	assert.Nil(err)
	assert.Nil(tx.Commit())
	assert.GreaterOrEqual(lba, ffs.Super.DataStart(), "allocations come from the data region")
	assert.Equal(used+1, diskSuper(t, ffs).BlockInuse)

	// the bitmap bit for the absolute LBA is set on disk
	blk, bit := ffs.Super.BlockBitmapAddr(lba)
	b, err := ffs.Super.ReadBlock(blk)
	assert.Nil(err)
	assert.True(layout.Bitmap(b).IsAllocated(bit))

	tx = ffs.Begin("test")
	assert.Nil(ffs.FreeBlock(tx, lba))
	assert.Nil(tx.Commit())
	assert.Equal(used, diskSuper(t, ffs).BlockInuse)

	// freeing again is corruption
	tx = ffs.Begin("test")
	err = ffs.FreeBlock(tx, lba)
	var ce *common.CorruptError
	assert.ErrorAs(err, &ce)
	tx.Abort()
}

func TestAllocBlocksDistinct(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)

	tx := ffs.Begin("test")
	seen := make(map[common.Lba]bool)
	for i := 0; i < 10; i++ {
		lba, err := ffs.AllocBlock(tx)
		assert.Nil(err)
		assert.False(seen[lba], "block %d allocated twice", lba)
		seen[lba] = true
	}
	assert.Nil(tx.Commit())
}

func TestInodeExhaustion(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(64)
	assert.Nil(Mkfs(d, 64, 2, false))
	ffs, err := Mount(d, Options{})
	assert.Nil(err)

	tx := ffs.Begin("test")
	ti, err := ffs.AllocInode(tx, layout.FtRegular)
	assert.Nil(err)
	_, err = ffs.AllocInode(tx, layout.FtRegular)
	assert.ErrorIs(err, common.ErrNoSpace)
	assert.Nil(tx.Commit())
	// keep a link so the handle release does not deallocate
	root, err := ffs.Root()
	assert.Nil(err)
	tx = ffs.Begin("test")
	assert.Nil(root.AddEntry(tx, "a", ti.Ino()))
	assert.Nil(tx.Commit())
	ti.Put()
	root.Close()
}

func TestAllocInodeDealloc(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	used := diskSuper(t, ffs).InodeInuse

	tx := ffs.Begin("test")
	ti, err := ffs.AllocInode(tx, layout.FtRegular)
	assert.Nil(err)
	ino := ti.Ino()
	assert.Nil(tx.Commit())
	assert.Equal(used+1, diskSuper(t, ffs).InodeInuse)
	assert.Equal(uint64(0), ti.LinkCount())

	// releasing the last handle of a link-less inode deallocates it
	ti.Put()
	assert.Equal(used, diskSuper(t, ffs).InodeInuse)
	_, err = ffs.GetInode(ino)
	assert.ErrorIs(err, common.ErrNoSuchEntry)
}

func TestTrackedInodeShared(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)

	t1, err := ffs.GetInode(common.RootInum)
	assert.Nil(err)
	t2, err := ffs.GetInode(common.RootInum)
	assert.Nil(err)
	assert.Same(t1.ref, t2.ref, "handles share one in-memory inode")
	t1.Put()
	t2.Put()

	assert.Panics(func() { t1.Put() }, "double release")
}

func TestGetInodeErrors(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)

	_, err := ffs.GetInode(common.NullInum)
	assert.ErrorIs(err, common.ErrNoSuchEntry)
	_, err = ffs.GetInode(common.Inum(testInodes + 1))
	assert.ErrorIs(err, common.ErrNoSuchEntry)
	_, err = ffs.GetInode(5)
	assert.ErrorIs(err, common.ErrNoSuchEntry, "unallocated inode")
}

func TestStagedSuperblockSurvivesCacheChurn(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	before := diskSuper(t, ffs)

	tx := ffs.Begin("churn")
	assert.Nil(ffs.updateSuper(tx, func(sb *layout.SuperBlock) { sb.InodeInuse++ }))
	sbBlock, err := ffs.loadBlock(common.SuperLba)
	assert.Nil(err)

	// touch more distinct blocks than the cache holds
	for i := uint64(0); i < metaCacheSlots+8; i++ {
		_, err := ffs.loadBlock(ffs.Super.DataStart() + common.Lba(i))
		assert.Nil(err)
	}

	again, err := ffs.loadBlock(common.SuperLba)
	assert.Nil(err)
	assert.Same(sbBlock, again, "staged block stays bound while its transaction is open")

	assert.Nil(ffs.updateSuper(tx, func(sb *layout.SuperBlock) { sb.BlockInuse++ }))
	assert.Nil(tx.Commit())
	assert.Empty(ffs.pinned)

	after := diskSuper(t, ffs)
	assert.Equal(before.InodeInuse+1, after.InodeInuse)
	assert.Equal(before.BlockInuse+1, after.BlockInuse)
}
