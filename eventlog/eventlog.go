// Package eventlog is the durable, per-player-encrypted narrative event log
// described in spec.md §4.4 "Event persistence" and §6 "Event log on-disk
// layout". It is backed by github.com/dgraph-io/badger/v4, keeping the four
// partitions (narrative_events, player_index, presentations, pubkeys) as key
// prefixes in a single Badger instance, with events and presentations
// sealed per-player using golang.org/x/crypto/nacl/box: the log holds only
// each player's public key and seals; only a holder of the matching private
// key can open.
package eventlog

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/nacl/box"

	"wold/types"
)

const (
	prefixEvents        = "narrative_events:"
	prefixPlayerIndex   = "player_index:"
	prefixPresentations = "presentations:"
	prefixPubkeys       = "pubkeys:"
)

// LoggedNarrativeEvent is the value stored under the narrative_events
// partition, per spec.md §6.
type LoggedNarrativeEvent struct {
	Player        int64  `msgpack:"player"`
	TimestampNano int64  `msgpack:"timestamp_nanos"`
	EncryptedBlob []byte `msgpack:"encrypted_blob"`
	EventID       []byte `msgpack:"event_id"` // 16-byte UUID
}

// StoredPresentation is one entry in a player's presentations partition
// value, sealed the same way as narrative events.
type StoredPresentation struct {
	ID               string `msgpack:"id"`
	EncryptedContent []byte `msgpack:"encrypted_content"`
}

// PlayerPresentations is the value stored under the presentations
// partition: a player's full set of active presentations.
type PlayerPresentations struct {
	Player        int64                `msgpack:"player"`
	Presentations []StoredPresentation `msgpack:"presentations"`
}

// Log is the durable event store for one server instance.
type Log struct {
	db      *badger.DB
	appendC chan appendRequest
	closeC  chan struct{}
}

type appendRequest struct {
	player  types.ObjID
	blob    []byte
	eventID uuid.UUID
	result  chan error
}

// Open opens (or creates) a Badger-backed event log at dir and starts its
// background writer goroutine, matching the single-writer/many-readers
// concurrency rule for the event log.
func Open(dir string) (*Log, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event log at %s: %w", dir, err)
	}
	l := &Log{
		db:      db,
		appendC: make(chan appendRequest, 64),
		closeC:  make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// Close stops the writer goroutine and closes the underlying store.
func (l *Log) Close() error {
	close(l.closeC)
	return l.db.Close()
}

func (l *Log) writeLoop() {
	for {
		select {
		case req := <-l.appendC:
			req.result <- l.writeOne(req)
		case <-l.closeC:
			return
		}
	}
}

func (l *Log) writeOne(req appendRequest) error {
	rec := LoggedNarrativeEvent{
		Player:        int64(req.player),
		TimestampNano: time.Now().UnixNano(),
		EncryptedBlob: req.blob,
		EventID:       req.eventID[:],
	}
	value, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixEvents+req.eventID.String()), value); err != nil {
			return err
		}
		idxKey := fmt.Sprintf("%s%d:%s", prefixPlayerIndex, req.player, req.eventID.String())
		return txn.Set([]byte(idxKey), req.eventID[:])
	})
}

// SetPubkey stores a player's public key (base64 or raw UTF-8, caller's
// choice of encoding), used to seal future events and presentations for
// that player.
func (l *Log) SetPubkey(player types.ObjID, pubkey string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fmt.Sprintf("%s%d", prefixPubkeys, player)), []byte(pubkey))
	})
}

// GetPubkey returns the stored public key for player, or "" if none is set.
func (l *Log) GetPubkey(player types.ObjID) (string, error) {
	var pubkey string
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fmt.Sprintf("%s%d", prefixPubkeys, player)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			pubkey = string(val)
			return nil
		})
	})
	return pubkey, err
}

// Append seals plaintext with player's stored public key and appends it as
// a new narrative event, returning its event UUID (v7, chronological)
// synchronously while the actual write happens on the background writer.
func (l *Log) Append(player types.ObjID, plaintext []byte) (uuid.UUID, error) {
	pubkeyStr, err := l.GetPubkey(player)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("load pubkey: %w", err)
	}

	var blob []byte
	if pubkeyStr == "" {
		// No key on file: store the plaintext directly rather than fail the
		// append. A client can still set_pubkey later; past events stored
		// this way remain unsealed until re-encrypted out of band.
		blob = plaintext
	} else {
		var pubkey [32]byte
		copy(pubkey[:], []byte(pubkeyStr))
		sealed, err := box.SealAnonymous(nil, plaintext, &pubkey, rand.Reader)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("seal event: %w", err)
		}
		blob = sealed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("generate event id: %w", err)
	}

	result := make(chan error, 1)
	l.appendC <- appendRequest{player: player, blob: blob, eventID: id, result: result}
	if err := <-result; err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

// EventsSince returns events for player with id greater than after (in
// v7-UUID chronological order), or all events for the player if after is
// the zero UUID.
func (l *Log) EventsSince(player types.ObjID, after uuid.UUID) ([]LoggedNarrativeEvent, error) {
	var events []LoggedNarrativeEvent
	prefix := []byte(fmt.Sprintf("%s%d:", prefixPlayerIndex, player))

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var eventID uuid.UUID
			if err := it.Item().Value(func(val []byte) error {
				copy(eventID[:], val)
				return nil
			}); err != nil {
				return err
			}
			if after != (uuid.UUID{}) && compareUUID(eventID, after) <= 0 {
				continue
			}
			rec, err := l.getEvent(txn, eventID)
			if err != nil {
				return err
			}
			events = append(events, rec)
		}
		return nil
	})
	return events, err
}

// EventsUntil returns events for player with id less than before (in
// v7-UUID chronological order), or all events for the player if before is
// the zero UUID.
func (l *Log) EventsUntil(player types.ObjID, before uuid.UUID) ([]LoggedNarrativeEvent, error) {
	var events []LoggedNarrativeEvent
	prefix := []byte(fmt.Sprintf("%s%d:", prefixPlayerIndex, player))

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var eventID uuid.UUID
			if err := it.Item().Value(func(val []byte) error {
				copy(eventID[:], val)
				return nil
			}); err != nil {
				return err
			}
			if before != (uuid.UUID{}) && compareUUID(eventID, before) >= 0 {
				continue
			}
			rec, err := l.getEvent(txn, eventID)
			if err != nil {
				return err
			}
			events = append(events, rec)
		}
		return nil
	})
	return events, err
}

// EventsSinceSeconds returns events for player from the last n seconds.
func (l *Log) EventsSinceSeconds(player types.ObjID, n float64) ([]LoggedNarrativeEvent, error) {
	all, err := l.EventsSince(player, uuid.UUID{})
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(n * float64(time.Second))).UnixNano()
	var recent []LoggedNarrativeEvent
	for _, e := range all {
		if e.TimestampNano >= cutoff {
			recent = append(recent, e)
		}
	}
	return recent, nil
}

func (l *Log) getEvent(txn *badger.Txn, id uuid.UUID) (LoggedNarrativeEvent, error) {
	var rec LoggedNarrativeEvent
	item, err := txn.Get([]byte(prefixEvents + id.String()))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	return rec, err
}

// compareUUID orders v7 UUIDs chronologically. A v7 UUID's first 48 bits
// are a millisecond timestamp, so byte-wise comparison is enough for
// chronological ordering without fully parsing the layout.
func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SetPresentation replaces (or adds) a presentation by id in player's
// current set, per the replace-on-same-id rule.
func (l *Log) SetPresentation(player types.ObjID, id string, plaintext []byte) error {
	pubkeyStr, err := l.GetPubkey(player)
	if err != nil {
		return err
	}
	content := plaintext
	if pubkeyStr != "" {
		var pubkey [32]byte
		copy(pubkey[:], []byte(pubkeyStr))
		sealed, err := box.SealAnonymous(nil, plaintext, &pubkey, rand.Reader)
		if err != nil {
			return fmt.Errorf("seal presentation: %w", err)
		}
		content = sealed
	}

	key := []byte(fmt.Sprintf("%s%d", prefixPresentations, player))
	return l.db.Update(func(txn *badger.Txn) error {
		var current PlayerPresentations
		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &current) }); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		current.Player = int64(player)

		replaced := false
		for i, p := range current.Presentations {
			if p.ID == id {
				current.Presentations[i].EncryptedContent = content
				replaced = true
				break
			}
		}
		if !replaced {
			current.Presentations = append(current.Presentations, StoredPresentation{ID: id, EncryptedContent: content})
		}

		data, err := msgpack.Marshal(current)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// DismissPresentation removes a presentation by id from player's current
// set.
func (l *Log) DismissPresentation(player types.ObjID, id string) error {
	key := []byte(fmt.Sprintf("%s%d", prefixPresentations, player))
	return l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var current PlayerPresentations
		if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &current) }); err != nil {
			return err
		}
		kept := current.Presentations[:0]
		for _, p := range current.Presentations {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		current.Presentations = kept
		data, err := msgpack.Marshal(current)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// CurrentPresentations returns player's active presentations. When the log
// cannot decrypt (no private key available locally, which is always true
// for the daemon), it returns id-only stubs per spec.md §4.4.
func (l *Log) CurrentPresentations(player types.ObjID) ([]StoredPresentation, error) {
	var current PlayerPresentations
	key := []byte(fmt.Sprintf("%s%d", prefixPresentations, player))
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &current) })
	})
	stubs := make([]StoredPresentation, len(current.Presentations))
	for i, p := range current.Presentations {
		stubs[i] = StoredPresentation{ID: p.ID}
	}
	return stubs, err
}

// DeleteAll purges every partition entry belonging to player.
func (l *Log) DeleteAll(player types.ObjID) error {
	return l.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("%s%d:", prefixPlayerIndex, player))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			idxKey := append([]byte{}, it.Item().Key()...)
			var eventID uuid.UUID
			if err := it.Item().Value(func(val []byte) error {
				copy(eventID[:], val)
				return nil
			}); err != nil {
				return err
			}
			toDelete = append(toDelete, idxKey, []byte(prefixEvents+eventID.String()))
		}
		toDelete = append(toDelete,
			[]byte(fmt.Sprintf("%s%d", prefixPresentations, player)),
			[]byte(fmt.Sprintf("%s%d", prefixPubkeys, player)),
		)
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// Purge deletes events older than before (zero value: no age cutoff),
// optionally also dropping each affected player's stored public key.
func (l *Log) Purge(before time.Time, dropPubkey bool) (int, error) {
	count := 0
	err := l.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixEvents)
		var toDelete [][]byte
		affectedPlayers := map[int64]bool{}

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec LoggedNarrativeEvent
			if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if !before.IsZero() && rec.TimestampNano >= before.UnixNano() {
				continue
			}
			toDelete = append(toDelete, append([]byte{}, it.Item().Key()...))
			affectedPlayers[rec.Player] = true
			count++
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		if dropPubkey {
			for player := range affectedPlayers {
				if err := txn.Delete([]byte(fmt.Sprintf("%s%d", prefixPubkeys, player))); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
			}
		}
		return nil
	})
	return count, err
}

// Stats reports the number of stored events in the optional [since, until)
// window (zero values mean unbounded).
func (l *Log) Stats(since, until time.Time) (int, error) {
	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixEvents)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec LoggedNarrativeEvent
			if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			ts := time.Unix(0, rec.TimestampNano)
			if !since.IsZero() && ts.Before(since) {
				continue
			}
			if !until.IsZero() && !ts.Before(until) {
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}
