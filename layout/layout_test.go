package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keosfs/ffs/common"
)

func TestSuperBlockRoundTrip(t *testing.T) {
	assert := assert.New(t)
	sb := &SuperBlock{
		BlockCount: 8192,
		BlockInuse: 4111,
		InodeCount: 128,
		InodeInuse: 1,
		HasJournal: true,
	}
	b := sb.Encode()
	assert.Equal(common.BlockSize, uint64(len(b)))
	assert.Equal(SuperMagic, b[:8])

	got, err := DecodeSuperBlock(b)
	assert.Nil(err)
	assert.Equal(sb, got)
}

func TestSuperBlockBadMagic(t *testing.T) {
	assert := assert.New(t)
	b := make([]byte, common.BlockSize)
	_, err := DecodeSuperBlock(b)
	assert.Error(err)
	var ce *common.CorruptError
	assert.ErrorAs(err, &ce)
}

func TestBitmapOps(t *testing.T) {
	assert := assert.New(t)
	bm := Bitmap(make([]byte, common.BlockSize))

	assert.False(bm.IsAllocated(0))
	assert.True(bm.Allocate(0))
	assert.True(bm.IsAllocated(0))
	assert.False(bm.Allocate(0), "double allocate fails")

	assert.True(bm.Allocate(9))
	assert.Equal(byte(1<<1), bm[1], "bit 9 is byte 1 bit 1")

	assert.True(bm.Deallocate(9))
	assert.False(bm.Deallocate(9), "double free fails")

	last := common.BitsPerBlock - 1
	assert.True(bm.Allocate(last))
	assert.True(bm.IsAllocated(last))
}

func TestInodeRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ind := &Inode{
		Ino:         7,
		Ftype:       FtDirectory,
		Size:        0x2000,
		LinkCount:   2,
		Indirect:    1234,
		DblIndirect: 5678,
	}
	for i := range ind.Direct {
		ind.Direct[i] = common.Lba(100 + i)
	}
	b := ind.Encode()
	assert.Equal(common.InodeSize, uint64(len(b)))
	assert.Equal(InodeMagic, b[:8])

	got, err := DecodeInode(b)
	assert.Nil(err)
	assert.Equal(ind, got)
}

func TestInodeBadMagic(t *testing.T) {
	assert := assert.New(t)
	_, err := DecodeInode(make([]byte, common.InodeSize))
	assert.Error(err)
}

func TestDirEntRoundTrip(t *testing.T) {
	assert := assert.New(t)
	e := &DirEnt{Ino: 3, Name: "hello.txt"}
	b := e.Encode()
	assert.Equal(common.DirEntSize, uint64(len(b)))

	got := DecodeDirEnt(b)
	assert.Equal(*e, got)

	free := DecodeDirEnt(make([]byte, common.DirEntSize))
	assert.Equal(common.NullInum, free.Ino)
	assert.Equal("", free.Name)
}

func TestDirEntNameTooLong(t *testing.T) {
	assert := assert.New(t)
	name := make([]byte, common.NameMax+1)
	for i := range name {
		name[i] = 'a'
	}
	e := &DirEnt{Ino: 1, Name: string(name)}
	assert.Panics(func() { e.Encode() })
}

func TestIndirectPointers(t *testing.T) {
	assert := assert.New(t)
	b := make([]byte, common.BlockSize)
	PutLba(b, 0, 42)
	PutLba(b, 511, 99)
	assert.Equal(common.Lba(42), GetLba(b, 0))
	assert.Equal(common.Lba(99), GetLba(b, 511))
	assert.Equal(common.NullLba, GetLba(b, 7))
}

func TestJournalRecords(t *testing.T) {
	assert := assert.New(t)

	jsb := &JournalSb{Committed: 1, TxId: 17}
	b := jsb.Encode()
	assert.Equal(common.BlockSize, uint64(len(b)))
	got, err := DecodeJournalSb(b)
	assert.Nil(err)
	assert.Equal(jsb, got)

	_, err = DecodeJournalSb(make([]byte, common.BlockSize))
	assert.Error(err)

	tb := &TxBegin{TxId: 17}
	tb.Lbas[0] = 5
	tb.Lbas[1] = 9
	bb := tb.Encode()
	assert.Equal(common.BlockSize, uint64(len(bb)))
	gtb := DecodeTxBegin(bb)
	assert.Equal(tb, gtb)
	assert.Equal([]common.Lba{5, 9}, gtb.Entries())

	te := &TxEnd{TxId: 17}
	gte := DecodeTxEnd(te.Encode())
	assert.Equal(te, gte)
}

func TestJournalGeometry(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(4098), JournalBlocks)
	assert.Equal(uint64(511), MaxTxBlocks)
}
