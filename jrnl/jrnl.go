// Package jrnl implements the filesystem's write-ahead journal for
// metadata updates.
//
// The caller begins a transaction Tx, stages full metadata blocks into it,
// and commits. Commit writes the staged blocks into the journal region,
// flips the journal superblock's commit flag (the durability point), then
// checkpoints: it copies each staged block to its destination and clears
// the flag. A crash before the flag is set loses the whole transaction; a
// crash after it is repaired at mount by re-running the checkpoint, which
// is idempotent.
//
// At most one transaction runs at a time; Begin blocks until the journal
// is free. When the filesystem has no journal (or it is disabled), commit
// degrades to direct writes with no atomicity, under the same lock.
package jrnl

import (
	"sync"

	"github.com/keosfs/ffs/common"
	"github.com/keosfs/ffs/layout"
	"github.com/keosfs/ffs/super"
	"github.com/keosfs/ffs/util"
)

// MaxTxBlocks is the most metadata blocks one transaction may stage.
const MaxTxBlocks uint64 = layout.MaxTxBlocks

// Journal serializes and persists metadata transactions for one
// filesystem.
type Journal struct {
	mu      sync.Mutex
	fs      *super.FsSuper
	enabled bool
	debug   bool

	// in-memory copy of the journal superblock; meaningful only when
	// enabled
	jsb *layout.JournalSb
}

// New sets up the journal for a mounted filesystem. The journal is active
// only if the disk was formatted with a journal region and enable is set.
func New(fs *super.FsSuper, enable bool, debug bool) (*Journal, error) {
	j := &Journal{fs: fs, enabled: fs.HasJournal && enable, debug: debug}
	if !j.enabled {
		return j, nil
	}
	b, err := fs.ReadBlock(fs.JournalStart())
	if err != nil {
		return nil, err
	}
	jsb, err := layout.DecodeJournalSb(b)
	if err != nil {
		// An unrecognizable journal superblock means there is nothing to
		// recover; start the journal fresh.
		util.DPrintf(1, "jrnl: %v, reinitializing", err)
		jsb = &layout.JournalSb{}
	}
	j.jsb = jsb
	return j, nil
}

// Enabled reports whether commits go through the journal region.
func (j *Journal) Enabled() bool {
	return j.enabled
}

// Recover repairs the filesystem after an unclean shutdown. If the commit
// flag is set the journal holds a complete transaction whose checkpoint
// may have been interrupted; re-run it. Otherwise there is nothing to
// recover.
func (j *Journal) Recover() error {
	if !j.enabled {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.jsb.Committed == 0 {
		util.DPrintf(2, "jrnl: nothing to recover")
		return nil
	}
	util.DPrintf(1, "jrnl: recovering committed tx %d", j.jsb.TxId)
	return j.checkpoint()
}

// Tx is an in-progress transaction. It holds the journal's lock from Begin
// until Commit or Abort.
type Tx struct {
	j      *Journal
	id     uint64
	name   string
	lbas   []common.Lba
	blocks [][]byte
	staged map[common.Lba]int

	guards   int
	finished bool
	onFinish []func()
}

// Begin starts a transaction, blocking until the journal is free. The name
// is used only for debug logging.
func (j *Journal) Begin(name string) *Tx {
	j.mu.Lock()
	tx := &Tx{j: j, name: name, staged: make(map[common.Lba]int)}
	if j.enabled {
		tx.id = j.jsb.TxId
		j.jsb.TxId++
	}
	if j.debug {
		util.DPrintf(1, "jrnl: begin tx %d (%s)", tx.id, name)
	}
	return tx
}

// WriteMeta stages a snapshot of the metadata block destined for lba.
// Staging a block again replaces the earlier snapshot, so a transaction
// occupies one journal slot per distinct block.
func (tx *Tx) WriteMeta(lba common.Lba, data []byte) {
	if tx.finished {
		panic("write to finished transaction")
	}
	if uint64(len(data)) != common.BlockSize {
		panic("staged write is not block-sized")
	}
	if tx.j.debug {
		util.DPrintf(2, "jrnl: tx %d (%s) stages block %d", tx.id, tx.name, lba)
	}
	if i, ok := tx.staged[lba]; ok {
		tx.blocks[i] = util.CloneByteSlice(data)
		return
	}
	if uint64(len(tx.lbas)) == MaxTxBlocks {
		panic("transaction too large")
	}
	tx.staged[lba] = len(tx.lbas)
	tx.lbas = append(tx.lbas, lba)
	tx.blocks = append(tx.blocks, util.CloneByteSlice(data))
}

// OnFinish registers f to run once the transaction commits or aborts. The
// journal lock is released before the callbacks run.
func (tx *Tx) OnFinish(f func()) {
	if tx.finished {
		panic("finished transaction")
	}
	tx.onFinish = append(tx.onFinish, f)
}

func (tx *Tx) runOnFinish() {
	for _, f := range tx.onFinish {
		f()
	}
}

// TrackGuard records an open write guard bound to this transaction.
func (tx *Tx) TrackGuard() {
	tx.guards++
}

// FinishGuard records that a write guard was submitted or forgotten.
func (tx *Tx) FinishGuard() {
	if tx.guards == 0 {
		panic("no open guard to finish")
	}
	tx.guards--
}

// Abort discards the transaction's staged writes and releases the journal.
func (tx *Tx) Abort() {
	if tx.finished {
		panic("transaction finished twice")
	}
	if tx.guards != 0 {
		panic("abort with open write guards")
	}
	tx.finished = true
	if tx.j.debug {
		util.DPrintf(1, "jrnl: abort tx %d (%s)", tx.id, tx.name)
	}
	tx.j.mu.Unlock()
	tx.runOnFinish()
}

// Commit atomically persists the transaction's staged writes and releases
// the journal. Without a journal the writes are applied directly, with no
// crash atomicity.
func (tx *Tx) Commit() error {
	if tx.finished {
		panic("transaction finished twice")
	}
	if tx.guards != 0 {
		panic("commit with open write guards")
	}
	tx.finished = true
	defer tx.runOnFinish()
	defer tx.j.mu.Unlock()
	if tx.j.debug {
		util.DPrintf(1, "jrnl: commit tx %d (%s), %d blocks",
			tx.id, tx.name, len(tx.lbas))
	}
	if !tx.j.enabled {
		return tx.writeThrough()
	}
	if len(tx.lbas) == 0 {
		return nil
	}
	err := tx.commitToJournal()
	if err != nil {
		return err
	}
	return tx.j.checkpoint()
}

// writeThrough applies the staged blocks directly to their destinations.
func (tx *Tx) writeThrough() error {
	for i, lba := range tx.lbas {
		if err := tx.j.fs.WriteBlock(lba, tx.blocks[i]); err != nil {
			return err
		}
	}
	return tx.j.fs.Disk.Barrier()
}

// commitToJournal writes the transaction's records into the journal region
// and sets the commit flag. When it returns the transaction is durable.
func (tx *Tx) commitToJournal() error {
	fs := tx.j.fs
	start := fs.JournalStart()

	begin := &layout.TxBegin{TxId: tx.id}
	copy(begin.Lbas[:], tx.lbas)
	if err := fs.WriteBlock(start+1, begin.Encode()); err != nil {
		return err
	}
	for i, b := range tx.blocks {
		if err := fs.WriteBlock(start+2+common.Lba(i), b); err != nil {
			return err
		}
	}
	end := &layout.TxEnd{TxId: tx.id}
	if err := fs.WriteBlock(start+2+common.Lba(len(tx.blocks)), end.Encode()); err != nil {
		return err
	}
	if err := fs.Disk.Barrier(); err != nil {
		return err
	}

	// the durability point: once this write hits the disk, the
	// transaction survives a crash
	tx.j.jsb.Committed = 1
	if err := fs.WriteBlock(start, tx.j.jsb.Encode()); err != nil {
		return err
	}
	return fs.Disk.Barrier()
}

// checkpoint copies a committed transaction's blocks from the journal
// region to their destinations and clears the commit flag. Safe to run
// repeatedly; a no-op when the flag is clear.
//
// Caller must hold j.mu.
func (j *Journal) checkpoint() error {
	if j.jsb.Committed == 0 {
		return nil
	}
	fs := j.fs
	start := fs.JournalStart()

	b, err := fs.ReadBlock(start + 1)
	if err != nil {
		return err
	}
	begin := layout.DecodeTxBegin(b)
	entries := begin.Entries()
	eb, err := fs.ReadBlock(start + 2 + common.Lba(len(entries)))
	if err != nil {
		return err
	}
	end := layout.DecodeTxEnd(eb)
	if end.TxId != begin.TxId {
		// the commit flag is set but the records do not form a matched
		// begin/end pair; whatever is in the journal is not a complete
		// transaction
		util.DPrintf(1, "jrnl: commit flag set but begin tx %d, end tx %d; discarding",
			begin.TxId, end.TxId)
		return j.clearCommitted()
	}
	for i, lba := range entries {
		data, err := fs.ReadBlock(start + 2 + common.Lba(i))
		if err != nil {
			return err
		}
		if err := fs.WriteBlock(lba, data); err != nil {
			return err
		}
	}
	if err := fs.Disk.Barrier(); err != nil {
		return err
	}

	if err := j.clearCommitted(); err != nil {
		return err
	}
	if j.debug {
		util.DPrintf(1, "jrnl: checkpointed tx %d, %d blocks",
			begin.TxId, len(entries))
	}
	return nil
}

// clearCommitted persists the journal superblock with the commit flag
// cleared.
//
// Caller must hold j.mu.
func (j *Journal) clearCommitted() error {
	j.jsb.Committed = 0
	if err := j.fs.WriteBlock(j.fs.JournalStart(), j.jsb.Encode()); err != nil {
		return err
	}
	return j.fs.Disk.Barrier()
}
