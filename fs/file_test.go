package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/disk"
)

func TestWriteReadBlocks(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "data")
	defer f.Close()

	b0 := patternBlock(0xa0)
	b1 := patternBlock(0xb0)
	assert.Nil(f.WriteBlock(0, b0, 100))
	assert.Equal(uint64(100), f.Size())
	assert.Nil(f.WriteBlock(1, b1, common.BlockSize+100))
	assert.Equal(common.BlockSize+100, f.Size())

	buf := make([]byte, common.BlockSize)
	ok, err := f.ReadBlock(0, buf)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(b0, buf)

	ok, err = f.ReadBlock(1, buf)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(b1, buf)

	ok, err = f.ReadBlock(2, buf)
	assert.Nil(err)
	assert.False(ok, "block past the end of the file")
}

func TestSizeIsMonotonic(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "mono")
	defer f.Close()

	assert.Nil(f.WriteBlock(1, patternBlock(1), 2*common.BlockSize))
	assert.Nil(f.WriteBlock(0, patternBlock(2), 100))
	assert.Equal(2*common.BlockSize, f.Size(), "smaller minSize does not shrink")
}

// Everything written is still there after a remount.
func TestPersistence(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(testBlocks)
	assert.Nil(Mkfs(d, testBlocks, testInodes, true))

	ffs, err := Mount(d, Options{})
	assert.Nil(err)
	root, err := ffs.Root()
	assert.Nil(err)
	f, err := root.CreateEntry("keep", false)
	assert.Nil(err)
	data := patternBlock(0x5a)
	assert.Nil(f.(*RegularFile).WriteBlock(13, data, 13*common.BlockSize+104))
	f.Close()
	sub, err := root.CreateEntry("subdir", true)
	assert.Nil(err)
	sub.Close()
	root.Close()

	ffs2, err := Mount(d, Options{})
	assert.Nil(err)
	root2, err := ffs2.Root()
	assert.Nil(err)
	defer root2.Close()

	got, err := root2.OpenEntry("keep")
	assert.Nil(err)
	rf := got.(*RegularFile)
	assert.Equal(13*common.BlockSize+104, rf.Size())
	buf := make([]byte, common.BlockSize)
	ok, err := rf.ReadBlock(13, buf)
	assert.Nil(err)
	assert.True(ok)
	assert.Equal(data, buf)
	rf.Close()

	gotDir, err := root2.OpenEntry("subdir")
	assert.Nil(err)
	ents, err := gotDir.(*Directory).ReadDir()
	assert.Nil(err)
	assert.Len(ents, 2)
	gotDir.Close()
}

// Concrete sequence: writes crossing the direct/indirect boundary, then a
// remount, read back bit for bit.
func TestBoundaryWritesSurviveRemount(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(testBlocks)
	assert.Nil(Mkfs(d, testBlocks, testInodes, true))

	ffs, err := Mount(d, Options{})
	assert.Nil(err)
	root, err := ffs.Root()
	assert.Nil(err)
	f, err := root.CreateEntry("boundary", false)
	assert.Nil(err)
	rf := f.(*RegularFile)

	blocks := map[common.Fba][]byte{
		11: patternBlock(0x10),
		12: patternBlock(0x20),
		13: patternBlock(0x30),
	}
	for _, fba := range []common.Fba{11, 12, 13} {
		minSize := uint64(fba)*common.BlockSize + 104
		assert.Nil(rf.WriteBlock(fba, blocks[fba], minSize))
	}
	assert.Equal(13*common.BlockSize+104, rf.Size())
	rf.Close()
	root.Close()

	ffs2, err := Mount(d, Options{})
	assert.Nil(err)
	root2, err := ffs2.Root()
	assert.Nil(err)
	defer root2.Close()
	got, err := root2.OpenEntry("boundary")
	assert.Nil(err)
	rf2 := got.(*RegularFile)
	defer rf2.Close()

	buf := make([]byte, common.BlockSize)
	for fba, want := range blocks {
		ok, err := rf2.ReadBlock(fba, buf)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(want, buf, "block %d", fba)
	}
}
