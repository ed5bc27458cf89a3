// Package layout defines the on-disk record formats of the filesystem and
// their codecs: the superblock, allocation bitmaps, inode records,
// directory entries, indirect blocks, and the journal's records.
//
// All multi-byte integers are little-endian. Every codec produces exactly
// the record's on-disk size; unwritten tail bytes are zero.
package layout

import (
	"bytes"

	"github.com/tchajed/marshal"

	"github.com/keosfs/ffs/common"
)

var (
	// SuperMagic identifies the filesystem superblock.
	SuperMagic = []byte("KeOSFFS\x00")
	// InodeMagic identifies an in-use inode record.
	InodeMagic = []byte("KeOSFFSI")
	// JournalMagic identifies the journal superblock.
	JournalMagic = []byte("KeOSJOUR")
)

const (
	// JournalDataSlots is the number of data block slots reserved in the
	// journal region between the begin and end records.
	JournalDataSlots uint64 = 4095
	// JournalBlocks is the total size of the journal region in blocks:
	// journal superblock, begin record, data slots, end record.
	JournalBlocks uint64 = 1 + 1 + JournalDataSlots + 1
	// MaxTxBlocks is the most metadata blocks one transaction may stage,
	// bounded by the destination addresses that fit in the begin record.
	MaxTxBlocks uint64 = (common.BlockSize - 8) / 8
)

// SuperBlock is the root record of the filesystem, stored at LBA 1. All
// region boundaries are derived from these fields.
type SuperBlock struct {
	BlockCount uint64
	BlockInuse uint64
	InodeCount uint64
	InodeInuse uint64
	HasJournal bool
}

// Encode serializes the superblock into a full block.
func (sb *SuperBlock) Encode() []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutBytes(SuperMagic)
	enc.PutInt(sb.BlockCount)
	enc.PutInt(sb.BlockInuse)
	enc.PutInt(sb.InodeCount)
	enc.PutInt(sb.InodeInuse)
	if sb.HasJournal {
		enc.PutInt(1)
	} else {
		enc.PutInt(0)
	}
	return enc.Finish()
}

// DecodeSuperBlock parses a superblock, checking its magic number.
func DecodeSuperBlock(b []byte) (*SuperBlock, error) {
	dec := marshal.NewDec(b)
	if !bytes.Equal(dec.GetBytes(8), SuperMagic) {
		return nil, common.Corrupt("bad superblock magic")
	}
	sb := &SuperBlock{}
	sb.BlockCount = dec.GetInt()
	sb.BlockInuse = dec.GetInt()
	sb.InodeCount = dec.GetInt()
	sb.InodeInuse = dec.GetInt()
	sb.HasJournal = dec.GetInt() != 0
	return sb, nil
}

// Bitmap is one block of an allocation bitmap. Bit i of the block is byte
// i/8, bit i%8.
type Bitmap []byte

// IsAllocated reports whether bit pos is set.
func (bm Bitmap) IsAllocated(pos uint64) bool {
	return bm[pos/8]&(1<<(pos%8)) != 0
}

// Allocate sets bit pos, reporting whether it was previously clear.
func (bm Bitmap) Allocate(pos uint64) bool {
	if bm.IsAllocated(pos) {
		return false
	}
	bm[pos/8] |= 1 << (pos % 8)
	return true
}

// Deallocate clears bit pos, reporting whether it was previously set.
func (bm Bitmap) Deallocate(pos uint64) bool {
	if !bm.IsAllocated(pos) {
		return false
	}
	bm[pos/8] &^= 1 << (pos % 8)
	return true
}

// File types stored in an inode record.
const (
	FtRegular   uint32 = 0
	FtDirectory uint32 = 1
)

// Inode is a 256-byte on-disk inode record.
type Inode struct {
	Ino         common.Inum
	Ftype       uint32
	Size        uint64
	LinkCount   uint64
	Direct      [common.NumDirect]common.Lba
	Indirect    common.Lba
	DblIndirect common.Lba
}

// Encode serializes the inode record into InodeSize bytes.
func (ind *Inode) Encode() []byte {
	enc := marshal.NewEnc(common.InodeSize)
	enc.PutBytes(InodeMagic)
	enc.PutInt32(uint32(ind.Ino))
	enc.PutInt32(ind.Ftype)
	enc.PutInt(ind.Size)
	enc.PutInt(ind.LinkCount)
	direct := make([]uint64, common.NumDirect)
	for i, lba := range ind.Direct {
		direct[i] = uint64(lba)
	}
	enc.PutInts(direct)
	enc.PutInt(uint64(ind.Indirect))
	enc.PutInt(uint64(ind.DblIndirect))
	return enc.Finish()
}

// DecodeInode parses a 256-byte inode record, checking its magic number.
// A record with Ino 0 is a free slot.
func DecodeInode(b []byte) (*Inode, error) {
	dec := marshal.NewDec(b)
	if !bytes.Equal(dec.GetBytes(8), InodeMagic) {
		return nil, common.Corrupt("bad inode magic")
	}
	ind := &Inode{}
	ind.Ino = common.Inum(dec.GetInt32())
	ind.Ftype = dec.GetInt32()
	ind.Size = dec.GetInt()
	ind.LinkCount = dec.GetInt()
	for i, lba := range dec.GetInts(common.NumDirect) {
		ind.Direct[i] = common.Lba(lba)
	}
	ind.Indirect = common.Lba(dec.GetInt())
	ind.DblIndirect = common.Lba(dec.GetInt())
	return ind, nil
}

// DirEnt is a 256-byte directory entry. Ino 0 marks a free slot.
type DirEnt struct {
	Ino  common.Inum
	Name string
}

// Encode serializes the entry into DirEntSize bytes.
//
// Expects len(Name) <= NameMax.
func (e *DirEnt) Encode() []byte {
	if uint64(len(e.Name)) > common.NameMax {
		panic("directory entry name too long")
	}
	enc := marshal.NewEnc(common.DirEntSize)
	enc.PutInt32(uint32(e.Ino))
	enc.PutBytes([]byte{byte(len(e.Name))})
	enc.PutBytes([]byte(e.Name))
	return enc.Finish()
}

// DecodeDirEnt parses a 256-byte directory entry.
func DecodeDirEnt(b []byte) DirEnt {
	dec := marshal.NewDec(b)
	ino := common.Inum(dec.GetInt32())
	n := uint64(dec.GetBytes(1)[0])
	if n > common.NameMax {
		n = common.NameMax
	}
	name := string(dec.GetBytes(n))
	return DirEnt{Ino: ino, Name: name}
}

// GetLba reads pointer i out of an indirect block.
func GetLba(b []byte, i uint64) common.Lba {
	dec := marshal.NewDec(b[i*8 : (i+1)*8])
	return common.Lba(dec.GetInt())
}

// PutLba writes pointer i of an indirect block.
func PutLba(b []byte, i uint64, lba common.Lba) {
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(lba))
	copy(b[i*8:(i+1)*8], enc.Finish())
}

// JournalSb is the journal's superblock, the first block of the journal
// region. Committed is the commit flag: nonzero means the journal region
// holds a complete transaction that must be checkpointed.
type JournalSb struct {
	Committed uint64
	TxId      uint64
}

func (jsb *JournalSb) Encode() []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutBytes(JournalMagic)
	enc.PutInt(jsb.Committed)
	enc.PutInt(jsb.TxId)
	return enc.Finish()
}

// DecodeJournalSb parses a journal superblock, checking its magic number.
func DecodeJournalSb(b []byte) (*JournalSb, error) {
	dec := marshal.NewDec(b)
	if !bytes.Equal(dec.GetBytes(8), JournalMagic) {
		return nil, common.Corrupt("bad journal magic")
	}
	jsb := &JournalSb{}
	jsb.Committed = dec.GetInt()
	jsb.TxId = dec.GetInt()
	return jsb, nil
}

// TxBegin is the journal's begin record: the transaction id and the
// destination address of each staged block, in journal slot order. Unused
// slots hold the null address.
type TxBegin struct {
	TxId uint64
	Lbas [MaxTxBlocks]common.Lba
}

func (tb *TxBegin) Encode() []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutInt(tb.TxId)
	lbas := make([]uint64, MaxTxBlocks)
	for i, lba := range tb.Lbas {
		lbas[i] = uint64(lba)
	}
	enc.PutInts(lbas)
	return enc.Finish()
}

func DecodeTxBegin(b []byte) *TxBegin {
	dec := marshal.NewDec(b)
	tb := &TxBegin{}
	tb.TxId = dec.GetInt()
	for i, lba := range dec.GetInts(MaxTxBlocks) {
		tb.Lbas[i] = common.Lba(lba)
	}
	return tb
}

// Entries returns the destination addresses of the record, up to the first
// unused slot.
func (tb *TxBegin) Entries() []common.Lba {
	for i, lba := range tb.Lbas {
		if lba == common.NullLba {
			return tb.Lbas[:i]
		}
	}
	return tb.Lbas[:]
}

// TxEnd is the journal's end record, closing the transaction named by the
// begin record.
type TxEnd struct {
	TxId uint64
}

func (te *TxEnd) Encode() []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutInt(te.TxId)
	return enc.Finish()
}

func DecodeTxEnd(b []byte) *TxEnd {
	dec := marshal.NewDec(b)
	return &TxEnd{TxId: dec.GetInt()}
}
