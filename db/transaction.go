package db

import (
	"sync"

	"wold/types"
)

// Outcome is the result of attempting to commit a Transaction.
type Outcome int

const (
	// Success means the transaction's working set was published to the
	// live store and is now visible to every future reader.
	Success Outcome = iota
	// ConflictRetry means another transaction committed a write to an
	// object this transaction touched since the snapshot was taken; the
	// caller must discard this transaction's work and re-run the task
	// that produced it from its start descriptor against a fresh Begin.
	ConflictRetry
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "conflict-retry"
}

// Transaction is a copy-on-write view of a Store's object table, scoped to
// one scheduler task epoch (from task start, or the previous commit/
// rollback, to the next commit/rollback or task completion).
//
// Begin snapshots the base store. All reads and writes made by the task
// while the transaction is open land in the snapshot, never in base, so
// concurrently running tasks cannot observe them early. Commit checks
// every object the transaction touched against base's current version;
// if none changed since the snapshot was taken, the touched objects are
// merged back into base and the commit succeeds. Otherwise the whole
// working set is discarded and the caller must retry.
type Transaction struct {
	base     *Store
	snapshot *Store

	mu           sync.Mutex
	baseVersions map[types.ObjID]int64
	touched      map[types.ObjID]struct{}
}

// Begin opens a transaction against base, taking an immediate snapshot.
func Begin(base *Store) *Transaction {
	t := &Transaction{base: base}
	t.snapshot = base.Snapshot()
	t.reset()
	return t
}

// Rebase re-snapshots base in place and starts a fresh epoch, reusing the
// same *Store value the caller's VM already holds a pointer to — so a VM
// resuming after commit() never needs to be told about a new store.
func (t *Transaction) Rebase() {
	fresh := t.base.Snapshot()
	t.snapshot.mu.Lock()
	t.snapshot.objects = fresh.objects
	t.snapshot.maxObjID = fresh.maxObjID
	t.snapshot.highWaterID = fresh.highWaterID
	t.snapshot.recycledID = fresh.recycledID
	t.snapshot.versions = fresh.versions
	t.snapshot.mu.Unlock()
	t.reset()
}

func (t *Transaction) reset() {
	t.mu.Lock()
	t.baseVersions = make(map[types.ObjID]int64)
	t.touched = make(map[types.ObjID]struct{})
	t.mu.Unlock()
	t.snapshot.touch = t.note
}

func (t *Transaction) note(id types.ObjID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.touched[id]; ok {
		return
	}
	t.touched[id] = struct{}{}
	t.baseVersions[id] = t.base.Version(id)
}

// Store returns the transaction-private store the VM should run against.
// Every Get/Add/Recycle/etc. call against it is recorded for the eventual
// conflict check in Commit.
func (t *Transaction) Store() *Store {
	return t.snapshot
}

// Commit checks the transaction's touched objects for conflicting writes
// and, if none are found, publishes the working set to base.
func (t *Transaction) Commit() Outcome {
	t.mu.Lock()
	touched := make([]types.ObjID, 0, len(t.touched))
	for id := range t.touched {
		if t.base.Version(id) != t.baseVersions[id] {
			t.mu.Unlock()
			return ConflictRetry
		}
		touched = append(touched, id)
	}
	t.mu.Unlock()

	t.base.MergeFrom(t.snapshot, touched)
	return Success
}

// Rollback discards the transaction's working set and starts a fresh epoch
// against base's current state — base was never touched, since nothing
// reaches it until Commit succeeds, so discarding the snapshot is enough.
func (t *Transaction) Rollback() {
	t.Rebase()
}
