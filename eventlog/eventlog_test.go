package eventlog

import (
	"testing"
	"time"

	"wold/types"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndEventsSince(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(10)

	id1, err := l.Append(player, []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	id2, err := l.Append(player, []byte("world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id1 == id2 {
		t.Fatal("expected distinct event ids")
	}

	all, err := l.EventsSince(player, [16]byte{})
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	tail, err := l.EventsSince(player, id1)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("len(tail) = %d, want 1 (events strictly after id1)", len(tail))
	}
}

func TestAppendWithoutPubkeyStoresPlaintext(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(11)

	if _, err := l.Append(player, []byte("plain")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := l.EventsSince(player, [16]byte{})
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 1 || string(events[0].EncryptedBlob) != "plain" {
		t.Fatalf("expected plaintext blob when no pubkey is set, got %+v", events)
	}
}

func TestPresentationsReplaceOnSameID(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(12)

	if err := l.SetPresentation(player, "status", []byte("v1")); err != nil {
		t.Fatalf("SetPresentation: %v", err)
	}
	if err := l.SetPresentation(player, "status", []byte("v2")); err != nil {
		t.Fatalf("SetPresentation: %v", err)
	}

	current, err := l.CurrentPresentations(player)
	if err != nil {
		t.Fatalf("CurrentPresentations: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("len(current) = %d, want 1 (replace-on-same-id)", len(current))
	}
	if current[0].ID != "status" {
		t.Errorf("ID = %q, want %q", current[0].ID, "status")
	}
	// The daemon never holds a private key, so content is always a stub.
	if current[0].EncryptedContent != nil {
		t.Errorf("expected id-only stub, got content %v", current[0].EncryptedContent)
	}
}

func TestDismissPresentation(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(13)

	if err := l.SetPresentation(player, "a", []byte("x")); err != nil {
		t.Fatalf("SetPresentation: %v", err)
	}
	if err := l.SetPresentation(player, "b", []byte("y")); err != nil {
		t.Fatalf("SetPresentation: %v", err)
	}
	if err := l.DismissPresentation(player, "a"); err != nil {
		t.Fatalf("DismissPresentation: %v", err)
	}

	current, err := l.CurrentPresentations(player)
	if err != nil {
		t.Fatalf("CurrentPresentations: %v", err)
	}
	if len(current) != 1 || current[0].ID != "b" {
		t.Fatalf("expected only %q to remain, got %+v", "b", current)
	}
}

func TestPubkeyRoundTrip(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(14)

	if pk, err := l.GetPubkey(player); err != nil || pk != "" {
		t.Fatalf("GetPubkey before SetPubkey = (%q, %v), want (\"\", nil)", pk, err)
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := l.SetPubkey(player, string(key)); err != nil {
		t.Fatalf("SetPubkey: %v", err)
	}

	got, err := l.GetPubkey(player)
	if err != nil {
		t.Fatalf("GetPubkey: %v", err)
	}
	if got != string(key) {
		t.Errorf("GetPubkey roundtrip mismatch")
	}
}

func TestDeleteAllRemovesPlayerData(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(15)

	if _, err := l.Append(player, []byte("e1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.SetPresentation(player, "p", []byte("c")); err != nil {
		t.Fatalf("SetPresentation: %v", err)
	}
	if err := l.SetPubkey(player, "pubkey"); err != nil {
		t.Fatalf("SetPubkey: %v", err)
	}

	if err := l.DeleteAll(player); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	events, err := l.EventsSince(player, [16]byte{})
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after DeleteAll, got %d", len(events))
	}
	if pk, _ := l.GetPubkey(player); pk != "" {
		t.Errorf("expected no pubkey after DeleteAll, got %q", pk)
	}
}

func TestStatsCountsEventsInWindow(t *testing.T) {
	l := openTestLog(t)
	player := types.ObjID(16)

	for i := 0; i < 3; i++ {
		if _, err := l.Append(player, []byte("e")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	count, err := l.Stats(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	future := time.Now().Add(time.Hour)
	count, err = l.Stats(future, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if count != 0 {
		t.Errorf("count with future since = %d, want 0", count)
	}
}
