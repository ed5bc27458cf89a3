package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keosfs/ffs/common"
)

func createFile(t *testing.T, ffs *Ffs, name string) *RegularFile {
	t.Helper()
	root, err := ffs.Root()
	assert.Nil(t, err)
	defer root.Close()
	f, err := root.CreateEntry(name, false)
	assert.Nil(t, err)
	return f.(*RegularFile)
}

func patternBlock(seed byte) []byte {
	b := make([]byte, common.BlockSize)
	for i := range b {
		b[i] = seed + byte(i%13)
	}
	return b
}

// Writing at each indexing tier: direct, indirect, and double-indirect
// blocks all resolve and read back.
func TestIndexingTiers(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "tiers")
	defer f.Close()

	lastDirect := common.Fba(common.NumDirect - 1)          // 11
	firstIndirect := common.Fba(common.NumDirect)           // 12
	lastIndirect := firstIndirect + common.Fba(common.PtrsPerBlock) - 1
	firstDbl := lastIndirect + 1 // 524

	for i, fba := range []common.Fba{lastDirect, firstIndirect, lastIndirect, firstDbl} {
		data := patternBlock(byte(i))
		minSize := (uint64(fba) + 1) * common.BlockSize
		assert.Nil(f.WriteBlock(fba, data, minSize))

		buf := make([]byte, common.BlockSize)
		ok, err := f.ReadBlock(fba, buf)
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(data, buf, "block %d", fba)
	}
	assert.Equal((uint64(firstDbl)+1)*common.BlockSize, f.Size())
}

// Every block inside the file resolves to a distinct in-range address, and
// blocks past the end resolve to none.
func TestIndexingDense(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "dense")
	defer f.Close()

	const nblks = 20 // crosses the direct/indirect boundary
	data := patternBlock(0x40)
	for fba := common.Fba(0); fba < nblks; fba++ {
		assert.Nil(f.WriteBlock(fba, data, (uint64(fba)+1)*common.BlockSize))
	}

	seen := make(map[common.Lba]bool)
	for fba := common.Fba(0); fba < nblks; fba++ {
		lba, err := f.ti.blockAt(fba)
		assert.Nil(err)
		assert.NotEqual(common.NullLba, lba)
		assert.GreaterOrEqual(lba, ffs.Super.DataStart())
		assert.False(seen[lba], "block %d shares an address", fba)
		seen[lba] = true
	}
	lba, err := f.ti.blockAt(nblks)
	assert.Nil(err)
	assert.Equal(common.NullLba, lba, "past the end of the file")
}

// Growing is idempotent: rewriting a block allocates nothing new.
func TestRewriteAllocatesNothing(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "rewrite")
	defer f.Close()

	data := patternBlock(0x11)
	assert.Nil(f.WriteBlock(14, data, 15*common.BlockSize))
	used := diskSuper(t, ffs).BlockInuse

	assert.Nil(f.WriteBlock(14, patternBlock(0x22), 15*common.BlockSize))
	assert.Nil(f.WriteBlock(3, patternBlock(0x33), 15*common.BlockSize))
	assert.Equal(used, diskSuper(t, ffs).BlockInuse)
}

// A write whose minSize does not reach the written block fails.
func TestWriteBeyondMinSize(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "short")
	defer f.Close()

	err := f.WriteBlock(2, patternBlock(0), common.BlockSize)
	assert.ErrorIs(err, common.ErrNoSuchEntry)
}

func TestGrowPastMaxFails(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	f := createFile(t, ffs, "max")
	defer f.Close()

	err := f.WriteBlock(common.Fba(common.MaxFileBlocks), patternBlock(0), 1)
	assert.ErrorIs(err, common.ErrNoSpace)
}

// Unlinking a file frees every block it held, including the indirect
// blocks themselves.
func TestDeallocFreesAllTiers(t *testing.T) {
	assert := assert.New(t)
	ffs := testFs(t)
	baseBlocks := diskSuper(t, ffs).BlockInuse
	baseInodes := diskSuper(t, ffs).InodeInuse

	f := createFile(t, ffs, "doomed")
	firstDbl := common.Fba(common.NumDirect + common.PtrsPerBlock) // 524
	assert.Nil(f.WriteBlock(0, patternBlock(1), common.BlockSize))
	assert.Nil(f.WriteBlock(12, patternBlock(2), 13*common.BlockSize))
	assert.Nil(f.WriteBlock(firstDbl, patternBlock(3), (uint64(firstDbl)+1)*common.BlockSize))
	assert.Greater(diskSuper(t, ffs).BlockInuse, baseBlocks)

	root, err := ffs.Root()
	assert.Nil(err)
	assert.Nil(root.UnlinkEntry("doomed"))
	root.Close()
	f.Close() // last handle: deallocation runs now

	assert.Equal(baseBlocks, diskSuper(t, ffs).BlockInuse)
	assert.Equal(baseInodes, diskSuper(t, ffs).InodeInuse)
}
